package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckstocktake/internal/models"
)

type createSessionRequest struct {
	SessionType models.SessionType `json:"sessionType"`
	Date        string             `json:"date"`
}

func (r *Router) createSession(w http.ResponseWriter, req *http.Request) {
	var body createSessionRequest
	if !decodeBody(w, req, &body) {
		return
	}
	s, err := r.svc.Manager.CreateSession(req.Context(), body.SessionType, body.Date)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s)
}

func (r *Router) getSession(w http.ResponseWriter, req *http.Request) {
	s, err := r.svc.Manager.GetSession(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (r *Router) setSessionStatus(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Status models.SessionStatus `json:"status"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	id := mux.Vars(req)["id"]
	if err := r.svc.Manager.SetStatus(req.Context(), id, body.Status); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(body.Status)})
}

// heartbeat registers the calling device in the session and returns who else is active
func (r *Router) heartbeat(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	device := deviceOf(req)
	if err := r.svc.Manager.Heartbeat(req.Context(), id, device.DeviceID, device.UserName); err != nil {
		respondErr(w, err)
		return
	}
	active, err := r.svc.Manager.ActiveDevices(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"devices": active})
}

// listScans returns the session's scans as this device sees them, including
// ones still waiting to sync
func (r *Router) listScans(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	device := deviceOf(req)
	if _, err := r.svc.Manager.Controller(req.Context(), id, device.DeviceID, device.UserName); err != nil {
		respondErr(w, err)
		return
	}
	book := r.svc.Manager.Book()
	if err := book.Refresh(req.Context(), id); err != nil {
		w.Header().Set("X-Scans-Stale", "true")
	}
	scans, refreshed := book.SessionScans(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scans":     scans,
		"count":     len(scans),
		"refreshed": refreshed,
	})
}

func (r *Router) exportSession(w http.ResponseWriter, req *http.Request) {
	data, name, err := r.svc.Exporter.SessionWorkbook(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
