// Package rpc serves the document store over HTTP: GET and PUT on
// /documents/{id} and GET on /documents/{id}/snapshots.
package rpc

import (
	"errors"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"collabtext/internal/store"
)

const maxBodySize = 32 << 20

var upsertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "collabtext_upserts_total",
		Help: "Document upserts by result (saved, conflict, error)",
	},
	[]string{"result"},
)

type handler struct {
	store store.Store
	log   *zap.SugaredLogger
}

// Register mounts the document routes on r.
func Register(r *mux.Router, s store.Store, log *zap.SugaredLogger) {
	h := &handler{store: s, log: log}
	r.HandleFunc("/documents/{id}", h.getDocument).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", h.upsertDocument).Methods(http.MethodPut)
	r.HandleFunc("/documents/{id}/snapshots", h.listSnapshots).Methods(http.MethodGet)
}

func (h *handler) getDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := h.store.GetDocument(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Errorf("Failed to load document %s: %v", id, err)
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return
	}
	writeJSON(w, doc)
}

func (h *handler) upsertDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var req store.UpsertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed upsert request", http.StatusBadRequest)
		return
	}
	if req.DocumentID == "" {
		req.DocumentID = id
	}
	if req.DocumentID != id {
		http.Error(w, "document id does not match path", http.StatusBadRequest)
		return
	}

	res, err := h.store.UpsertDocument(r.Context(), req)
	if errors.Is(err, store.ErrInvalidRequest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		upsertsTotal.WithLabelValues("error").Inc()
		h.log.Errorf("Failed to save document %s: %v", id, err)
		http.Error(w, "failed to save document", http.StatusInternalServerError)
		return
	}
	if res.Success {
		upsertsTotal.WithLabelValues("saved").Inc()
		h.log.Debugf("Saved document %s at version %d (snapshot: %t)", id, res.ServerVersion, res.Snapshotted)
	} else {
		upsertsTotal.WithLabelValues("conflict").Inc()
		h.log.Infof("Version conflict on %s: client at %d, server at %d", id, req.MinVersion, res.ServerVersion)
	}
	writeJSON(w, res)
}

func (h *handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snaps, err := h.store.ListSnapshots(r.Context(), id)
	if err != nil {
		h.log.Errorf("Failed to list snapshots of %s: %v", id, err)
		http.Error(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []store.Snapshot{}
	}
	writeJSON(w, snaps)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Warnf("Failed to write response: %v", err)
	}
}
