package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/xelth-com/eckstocktake/internal/session"
)

// ScanRequest represents the payload from a scanner
type ScanRequest struct {
	Barcode string `json:"barcode"`
}

// FlowResponse carries the flow after a step, and the error if the step failed
type FlowResponse struct {
	Flow  session.Flow `json:"flow"`
	Error string       `json:"error,omitempty"`
}

func respondFlow(w http.ResponseWriter, f session.Flow, err error) {
	if err != nil {
		respondJSON(w, statusFor(err), FlowResponse{Flow: f, Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, FlowResponse{Flow: f})
}

func (r *Router) controller(w http.ResponseWriter, req *http.Request) (*session.Controller, bool) {
	device := deviceOf(req)
	c, err := r.svc.Manager.Controller(req.Context(), mux.Vars(req)["id"], device.DeviceID, device.UserName)
	if err != nil {
		respondErr(w, err)
		return nil, false
	}
	return c, true
}

func (r *Router) flowController(w http.ResponseWriter, req *http.Request) (*session.Controller, string, bool) {
	flowID := mux.Vars(req)["flowId"]
	c, err := r.svc.Manager.FlowController(flowID, deviceOf(req).DeviceID)
	if err != nil {
		respondErr(w, err)
		return nil, "", false
	}
	return c, flowID, true
}

// handleScan decodes a scanned barcode and starts a flow
func (r *Router) handleScan(w http.ResponseWriter, req *http.Request) {
	var body ScanRequest
	if !decodeBody(w, req, &body) {
		return
	}

	barcode := strings.TrimSpace(body.Barcode)
	if barcode == "" {
		respondError(w, http.StatusBadRequest, "Empty barcode")
		return
	}

	c, ok := r.controller(w, req)
	if !ok {
		return
	}
	f, err := c.Decode(req.Context(), barcode)
	respondFlow(w, f, err)
}

// handleManual starts a flow from a typed FP batch number
func (r *Router) handleManual(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Batch string `json:"batch"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	c, ok := r.controller(w, req)
	if !ok {
		return
	}
	f, err := c.DecodeManual(req.Context(), body.Batch)
	respondFlow(w, f, err)
}

func (r *Router) submitStockCode(w http.ResponseWriter, req *http.Request) {
	var body struct {
		StockCode   string `json:"stockCode"`
		Description string `json:"description"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	c, flowID, ok := r.flowController(w, req)
	if !ok {
		return
	}
	f, err := c.SubmitStockCode(req.Context(), flowID, body.StockCode, body.Description)
	respondFlow(w, f, err)
}

func (r *Router) confirmBatch(w http.ResponseWriter, req *http.Request) {
	var body struct {
		BatchNumber string `json:"batchNumber"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	c, flowID, ok := r.flowController(w, req)
	if !ok {
		return
	}
	f, err := c.ConfirmBatch(req.Context(), flowID, body.BatchNumber)
	respondFlow(w, f, err)
}

func (r *Router) confirmExpiry(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ExpiryDate string `json:"expiryDate"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	c, flowID, ok := r.flowController(w, req)
	if !ok {
		return
	}
	f, err := c.ConfirmExpiry(req.Context(), flowID, body.ExpiryDate)
	respondFlow(w, f, err)
}

func (r *Router) submitQuantity(w http.ResponseWriter, req *http.Request) {
	var body session.QuantityInput
	if !decodeBody(w, req, &body) {
		return
	}
	c, flowID, ok := r.flowController(w, req)
	if !ok {
		return
	}
	f, err := c.SubmitQuantity(req.Context(), flowID, body)
	respondFlow(w, f, err)
}

func (r *Router) confirmDuplicate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Accept bool `json:"accept"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	c, flowID, ok := r.flowController(w, req)
	if !ok {
		return
	}
	f, err := c.ConfirmDuplicate(req.Context(), flowID, body.Accept)
	respondFlow(w, f, err)
}

func (r *Router) cancelFlow(w http.ResponseWriter, req *http.Request) {
	c, flowID, ok := r.flowController(w, req)
	if !ok {
		return
	}
	f, err := c.Cancel(flowID)
	respondFlow(w, f, err)
}

// scanController resolves the controller for /scans/{id}; the session comes
// from the ?session= query parameter
func (r *Router) scanController(w http.ResponseWriter, req *http.Request) (*session.Controller, bool) {
	sessionID := req.URL.Query().Get("session")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session is required")
		return nil, false
	}
	device := deviceOf(req)
	c, err := r.svc.Manager.Controller(req.Context(), sessionID, device.DeviceID, device.UserName)
	if err != nil {
		respondErr(w, err)
		return nil, false
	}
	return c, true
}

func (r *Router) editScan(w http.ResponseWriter, req *http.Request) {
	var body session.EditInput
	if !decodeBody(w, req, &body) {
		return
	}
	c, ok := r.scanController(w, req)
	if !ok {
		return
	}
	rec, queued, err := c.EditScan(req.Context(), mux.Vars(req)["id"], body)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"scan": rec, "queued": queued})
}

func (r *Router) deleteScan(w http.ResponseWriter, req *http.Request) {
	c, ok := r.scanController(w, req)
	if !ok {
		return
	}
	id := mux.Vars(req)["id"]
	queued, err := c.DeleteScan(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true, "queued": queued})
}
