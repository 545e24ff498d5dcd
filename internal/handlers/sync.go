package handlers

import (
	"errors"
	"net/http"
)

var errNoMonitor = errors.New("connectivity monitor not running")

// flushQueue replays the offline queue now instead of waiting for the monitor
func (r *Router) flushQueue(w http.ResponseWriter, req *http.Request) {
	res, err := r.svc.Queue.Flush(req.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if r.svc.Monitor != nil {
		r.svc.Monitor.RecordFlush(res)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"result":  res,
		"pending": r.svc.Queue.PendingCount(),
	})
}

// syncStatus reports connectivity, the queue and recent outages
func (r *Router) syncStatus(w http.ResponseWriter, req *http.Request) {
	if r.svc.Monitor == nil {
		respondErr(w, errNoMonitor)
		return
	}
	respondJSON(w, http.StatusOK, r.svc.Monitor.Status())
}

// reloadCatalog forces a catalog load from the remote store
func (r *Router) reloadCatalog(w http.ResponseWriter, req *http.Request) {
	loaded, err := r.svc.Catalog.LoadFromRemote(req.Context(), true)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"loaded":  loaded,
		"catalog": r.svc.Catalog.Stats(),
	})
}
