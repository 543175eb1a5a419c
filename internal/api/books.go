package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

const maxUploadSize = 200 << 20 // 200MB

// ImportRequest imports a PDF already on the server's disk.
type ImportRequest struct {
	Path      string `json:"path"`
	StartPage int    `json:"start_page,omitempty"`
	EndPage   int    `json:"end_page,omitempty"`
}

func handleListBooks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		books, err := deps.Service.Store.Books()
		if err != nil {
			writeError(w, err)
			return
		}
		if books == nil {
			books = []storage.BookInfo{}
		}
		writeJSON(w, http.StatusOK, books)
	}
}

// handleImport accepts either a JSON ImportRequest or a multipart upload
// with the PDF in the "file" field and optional start_page and end_page
// form values.
func handleImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		label := chi.URLParam(r, "label")
		if err := storage.ValidateLabel(label); err != nil {
			writeError(w, err)
			return
		}

		var req ImportRequest
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "multipart/form-data" {
			r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
			f, _, err := r.FormFile("file")
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required: %v", err)
				return
			}
			defer f.Close()
			path, err := deps.Service.SaveUpload(label, f)
			if err != nil {
				writeError(w, err)
				return
			}
			req.Path = path
			req.StartPage, _ = strconv.Atoi(r.FormValue("start_page"))
			req.EndPage, _ = strconv.Atoi(r.FormValue("end_page"))
		} else {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
			if req.Path == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
				return
			}
		}
		if req.StartPage < 0 || req.EndPage < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "page numbers must not be negative")
			return
		}

		job, err := deps.Service.ImportBook(label, req.Path, req.StartPage, req.EndPage)
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

func handleProcess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Service.Process(chi.URLParam(r, "label"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func handleDeleteBook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.DeleteBook(chi.URLParam(r, "label")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleUndeleteBook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.UndeleteBook(chi.URLParam(r, "label")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
	}
}

func handleListPages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		book, err := deps.Service.Book(chi.URLParam(r, "label"))
		if err != nil {
			writeError(w, err)
			return
		}
		pages, err := book.ListPages()
		if err != nil {
			writeError(w, err)
			return
		}
		if pages == nil {
			pages = []storage.Page{}
		}
		writeJSON(w, http.StatusOK, pages)
	}
}

func handleGetImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		book, err := deps.Service.Book(chi.URLParam(r, "label"))
		if err != nil {
			writeError(w, err)
			return
		}
		img, err := book.GetImage(chi.URLParam(r, "imageID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", img.MIME)
		w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
		w.Write(img.Data)
	}
}

func handleLLMLog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		book, err := deps.Service.Book(chi.URLParam(r, "label"))
		if err != nil {
			writeError(w, err)
			return
		}
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)
		calls, err := book.ListLLMCalls(r.URL.Query().Get("task"), limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		if calls == nil {
			calls = []storage.LLMCall{}
		}
		writeJSON(w, http.StatusOK, calls)
	}
}
