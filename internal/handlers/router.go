package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckstocktake/internal/buildinfo"
	"github.com/xelth-com/eckstocktake/internal/catalog"
	"github.com/xelth-com/eckstocktake/internal/export"
	"github.com/xelth-com/eckstocktake/internal/middleware"
	"github.com/xelth-com/eckstocktake/internal/offline"
	"github.com/xelth-com/eckstocktake/internal/scanner"
	"github.com/xelth-com/eckstocktake/internal/session"
	"github.com/xelth-com/eckstocktake/internal/store"
	"github.com/xelth-com/eckstocktake/internal/utils"
	"github.com/xelth-com/eckstocktake/internal/websocket"
)

// Services are the components the HTTP surface drives
type Services struct {
	Manager   *session.Manager
	Catalog   *catalog.Catalog
	Queue     *offline.Queue
	Monitor   *offline.Monitor
	Exporter  *export.Exporter
	Hub       *websocket.Hub
	JWTSecret string
}

// Router wraps the mux router and the scan services
type Router struct {
	*mux.Router
	svc Services
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(svc Services) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		svc:    svc,
	}

	// Public endpoints
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	r.HandleFunc("/api/status", r.getStatus).Methods("GET")

	auth := middleware.DeviceAuth(svc.JWTSecret)

	r.Handle("/ws", auth(http.HandlerFunc(r.serveWs))).Methods("GET")

	// Device API (protected)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth)

	api.HandleFunc("/sessions", r.createSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", r.getSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/status", r.setSessionStatus).Methods("PUT")
	api.HandleFunc("/sessions/{id}/devices/heartbeat", r.heartbeat).Methods("POST")
	api.HandleFunc("/sessions/{id}/scans", r.listScans).Methods("GET")
	api.HandleFunc("/sessions/{id}/export", r.exportSession).Methods("GET")

	api.HandleFunc("/sessions/{id}/scan", r.handleScan).Methods("POST")
	api.HandleFunc("/sessions/{id}/manual", r.handleManual).Methods("POST")

	api.HandleFunc("/flows/{flowId}/stock-code", r.submitStockCode).Methods("POST")
	api.HandleFunc("/flows/{flowId}/batch", r.confirmBatch).Methods("POST")
	api.HandleFunc("/flows/{flowId}/expiry", r.confirmExpiry).Methods("POST")
	api.HandleFunc("/flows/{flowId}/quantity", r.submitQuantity).Methods("POST")
	api.HandleFunc("/flows/{flowId}/duplicate", r.confirmDuplicate).Methods("POST")
	api.HandleFunc("/flows/{flowId}", r.cancelFlow).Methods("DELETE")

	api.HandleFunc("/scans/{id}", r.editScan).Methods("PUT")
	api.HandleFunc("/scans/{id}", r.deleteScan).Methods("DELETE")

	api.HandleFunc("/sync/flush", r.flushQueue).Methods("POST")
	api.HandleFunc("/sync/status", r.syncStatus).Methods("GET")
	api.HandleFunc("/catalog/reload", r.reloadCatalog).Methods("POST")

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"server": "local",
	})
}

// getStatus returns build stamps, catalog size and connectivity
func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	status := map[string]interface{}{
		"status":     "running",
		"buildTime":  buildinfo.BuildTime,
		"commitTime": buildinfo.CommitTime,
		"commitHash": buildinfo.CommitHash,
		"startTime":  buildinfo.StartTime,
	}
	if r.svc.Catalog != nil {
		status["catalog"] = r.svc.Catalog.Stats()
	}
	if r.svc.Monitor != nil {
		status["online"] = r.svc.Monitor.IsOnline()
	}
	if r.svc.Queue != nil {
		status["pending"] = r.svc.Queue.PendingCount()
	}
	respondJSON(w, http.StatusOK, status)
}

// serveWs subscribes the device to scan events of ?session=
func (r *Router) serveWs(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session is required")
		return
	}
	device := deviceOf(req)
	websocket.ServeWs(r.svc.Hub, w, req, sessionID, device.DeviceID)
}

// deviceOf returns the claims the auth middleware stored
func deviceOf(req *http.Request) *utils.DeviceClaims {
	if claims, ok := middleware.DeviceFromContext(req.Context()); ok {
		return claims
	}
	return &utils.DeviceClaims{}
}

func decodeBody(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, scanner.ErrMalformedCode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrConcurrentScan), errors.Is(err, store.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, session.ErrFlowNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondErr sends err with the status it maps to
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}
