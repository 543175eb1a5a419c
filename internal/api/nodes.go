package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

// NodeResponse is one stored node version. Data is null for tombstones.
type NodeResponse struct {
	Node    string          `json:"node"`
	Item    string          `json:"item"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func nodeParams(r *http.Request) (label, node, item string) {
	return chi.URLParam(r, "label"), chi.URLParam(r, "node"), chi.URLParam(r, "item")
}

func handleGetNode(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		label, node, item := nodeParams(r)
		if _, err := deps.Service.Book(label); err != nil {
			writeError(w, err)
			return
		}
		rec, err := deps.Service.Store.GetLatest(label, node, item)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no %s output for %s", node, item)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, NodeResponse{Node: node, Item: item, Version: rec.Version, Data: nullable(rec.Data)})
	}
}

func handleListVersions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		label, node, item := nodeParams(r)
		if _, err := deps.Service.Book(label); err != nil {
			writeError(w, err)
			return
		}
		versions, err := deps.Service.Store.ListVersions(label, node, item)
		if err != nil {
			writeError(w, err)
			return
		}
		if versions == nil {
			versions = []int{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"node": node, "item": item, "versions": versions})
	}
}

func handleGetVersion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		label, node, item := nodeParams(r)
		version, err := strconv.Atoi(chi.URLParam(r, "version"))
		if err != nil || version < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid version")
			return
		}
		if _, err := deps.Service.Book(label); err != nil {
			writeError(w, err)
			return
		}
		data, err := deps.Service.Store.GetVersion(label, node, item, version)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no version %d of %s/%s", version, node, item)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, NodeResponse{Node: node, Item: item, Version: version, Data: nullable(data)})
	}
}

func nullable(data json.RawMessage) json.RawMessage {
	if data == nil {
		return json.RawMessage("null")
	}
	return data
}
