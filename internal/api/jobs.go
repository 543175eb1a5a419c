package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/incrementventures/adt-studio-sub000/internal/queue"
)

// EnqueueRequest is the body of POST /jobs.
type EnqueueRequest struct {
	Type   queue.Kind      `json:"type"`
	Label  string          `json:"label"`
	Params json.RawMessage `json:"params,omitempty"`
}

const sseKeepAlive = 15 * time.Second

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs := deps.Service.Queue.List()
		label := r.URL.Query().Get("label")
		status := queue.Status(r.URL.Query().Get("status"))
		out := make([]queue.Job, 0, len(jobs))
		for _, j := range jobs {
			if label != "" && j.Label != label {
				continue
			}
			if status != "" && j.Status != status {
				continue
			}
			out = append(out, j)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid job id")
			return
		}
		job, err := deps.Service.Queue.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleEnqueueJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Label == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "label is required")
			return
		}
		job, err := enqueue(deps, req)
		if err != nil {
			code, typ := errorStatus(err)
			if code == http.StatusInternalServerError {
				code, typ = http.StatusBadRequest, "invalid_request_error"
			}
			httpError(w, code, typ, "%v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func enqueue(deps Deps, req EnqueueRequest) (queue.Job, error) {
	if req.Type == queue.KindExtract {
		var p queue.ExtractParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return queue.Job{}, fmt.Errorf("decoding params: %w", err)
			}
		}
		if p.Path == "" {
			return queue.Job{}, fmt.Errorf("extract: path is required")
		}
		return deps.Service.ImportBook(req.Label, p.Path, p.StartPage, p.EndPage)
	}
	params, err := queue.DecodeParams(req.Type, req.Params)
	if err != nil {
		return queue.Job{}, err
	}
	return deps.Service.Enqueue(queue.Request{Kind: req.Type, Label: req.Label, Params: params})
}

// handleJobEvents streams queue events as server-sent events. The stream
// opens with a stats event; events are dropped for clients that fall more
// than a buffer behind.
func handleJobEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		events := make(chan queue.Event, 256)
		unsubscribe := deps.Service.Queue.Subscribe(func(ev queue.Event) {
			select {
			case events <- ev:
			default:
			}
		})
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		stats := deps.Service.Queue.Stats()
		writeEvent(w, queue.Event{Type: queue.EventStats, Stats: &stats})
		flusher.Flush()

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-events:
				writeEvent(w, ev)
				flusher.Flush()
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev queue.Event) {
	var payload any = ev.Job
	if ev.Type == queue.EventStats {
		payload = ev.Stats
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
