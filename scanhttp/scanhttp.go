// Package scanhttp exposes a scan orchestrator over HTTP.  Control
// endpoints map one to one onto the orchestrator's control surface;
// data endpoints return JSON snapshots or stream the finished scan as
// a FITS file.
package scanhttp

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/qt3uw/confocal/daq"
	"github.com/qt3uw/confocal/export"
	"github.com/qt3uw/confocal/scan"
)

// MethodPath is a route table key: one method on one path
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps endpoints to their handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Bind attaches every route in the table to r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, handler := range rt {
		r.Method(mp.Method, mp.Path, handler)
	}
}

// Endpoints lists the paths in the table, sorted
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for mp := range rt {
		out = append(out, mp.Method+" "+mp.Path)
	}
	sort.Strings(out)
	return out
}

// HTTPer is anything that can describe its own route table
type HTTPer interface {
	RT() RouteTable
}

// StatusResponse is the JSON body of GET /status
type StatusResponse struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Cursor   int     `json:"cursor"`
	Points   int     `json:"points"`
	Row      int     `json:"row"`
	Col      int     `json:"col"`
	Invalid  int     `json:"invalid"`
	Retries  int     `json:"retries"`
	Err      string  `json:"err,omitempty"`
}

// RescanRequest is the JSON body of POST /rescan
type RescanRequest struct {
	X     float64        `json:"x"`
	Y     float64        `json:"y"`
	Batch *daq.BatchSpec `json:"batch,omitempty"`
}

// HTTPOrchestrator wraps an orchestrator in an HTTP interface
type HTTPOrchestrator struct {
	o *scan.Orchestrator

	RouteTable RouteTable
}

// NewHTTPOrchestrator returns a wrapper with a populated route table
func NewHTTPOrchestrator(o *scan.Orchestrator) *HTTPOrchestrator {
	h := &HTTPOrchestrator{o: o}
	h.RouteTable = RouteTable{
		{http.MethodPost, "/start"}:  h.Start,
		{http.MethodPost, "/pause"}:  h.Pause,
		{http.MethodPost, "/resume"}: h.Resume,
		{http.MethodPost, "/stop"}:   h.Stop,
		{http.MethodPost, "/rescan"}: h.Rescan,
		{http.MethodPost, "/save"}:   h.Save,

		{http.MethodGet, "/status"}:               h.Status,
		{http.MethodGet, "/progress"}:             h.Progress,
		{http.MethodGet, "/snapshot"}:             h.Snapshot,
		{http.MethodGet, "/spectrum/{row}/{col}"}: h.Spectrum,
		{http.MethodGet, "/data.fits"}:            h.FITS,
	}
	return h
}

// RT satisfies HTTPer
func (h *HTTPOrchestrator) RT() RouteTable {
	return h.RouteTable
}

// httpError maps orchestrator errors onto status codes: illegal state
// transitions are conflicts, everything else is an internal error
func httpError(w http.ResponseWriter, err error) {
	var se *scan.StateError
	if errors.As(err, &se) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// Start launches a scan from a GridSpec in the request body
func (h *HTTPOrchestrator) Start(w http.ResponseWriter, r *http.Request) {
	var spec scan.GridSpec
	err := json.NewDecoder(r.Body).Decode(&spec)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := spec.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.o.Start(spec); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Pause halts the scan after the in-flight point
func (h *HTTPOrchestrator) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.o.Pause(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Resume continues a paused scan
func (h *HTTPOrchestrator) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.o.Resume(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stop abandons the scan, preserving the partial grid
func (h *HTTPOrchestrator) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.o.Stop(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Rescan re-acquires a single coordinate and returns the result
func (h *HTTPOrchestrator) Rescan(w http.ResponseWriter, r *http.Request) {
	var req RescanRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	batch := h.o.Session().Spec.Batch
	if req.Batch != nil {
		batch = *req.Batch
	}
	res, err := h.o.Rescan([]float64{req.X, req.Y}, batch)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// SaveRequest is the JSON body of POST /save
type SaveRequest struct {
	Path string `json:"path"`
}

// Save writes the current data to a FITS file on the server host
func (h *HTTPOrchestrator) Save(w http.ResponseWriter, r *http.Request) {
	var req SaveRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	snap := h.o.Snapshot()
	if snap.Grid == nil && snap.Cube == nil {
		http.Error(w, "no scan data", http.StatusNotFound)
		return
	}
	if err := export.SaveFile(req.Path)(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Progress reports the fraction of cells visited as JSON
func (h *HTTPOrchestrator) Progress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]float64{"progress": h.o.Progress()})
}

// Status reports the session bookkeeping as JSON
func (h *HTTPOrchestrator) Status(w http.ResponseWriter, r *http.Request) {
	sess := h.o.Session()
	resp := StatusResponse{
		Status:   sess.Status.String(),
		Progress: sess.Progress(),
		Cursor:   sess.Cursor,
		Points:   sess.Points,
		Row:      sess.Row,
		Col:      sess.Col,
		Invalid:  sess.Invalid,
		Retries:  sess.Retries,
		Err:      sess.Err,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Snapshot returns the grid or cube plus session bookkeeping as JSON.
// NaN sentinels are carried as nulls.
func (h *HTTPOrchestrator) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.o.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(jsonSnapshot(snap)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// JSONGrid mirrors scan.Grid with nulls in place of the NaN sentinel,
// which encoding/json cannot carry
type JSONGrid struct {
	X    []float64    `json:"x"`
	Y    []float64    `json:"y"`
	Data [][]*float64 `json:"data"`
}

// JSONSnapshot is the wire form of a snapshot
type JSONSnapshot struct {
	Session scan.Session `json:"session"`
	Grid    *JSONGrid    `json:"grid,omitempty"`
	Cube    *scan.Cube   `json:"cube,omitempty"`
}

func jsonSnapshot(snap scan.Snapshot) JSONSnapshot {
	out := JSONSnapshot{Session: snap.Session, Cube: snap.Cube}
	if g := snap.Grid; g != nil {
		jg := &JSONGrid{X: g.X, Y: g.Y, Data: make([][]*float64, len(g.Data))}
		for r, row := range g.Data {
			jg.Data[r] = make([]*float64, len(row))
			for c := range row {
				if !math.IsNaN(row[c]) {
					v := row[c]
					jg.Data[r][c] = &v
				}
			}
		}
		out.Grid = jg
	}
	return out
}

// Spectrum returns one cell's spectrum in hyperspectral mode
func (h *HTTPOrchestrator) Spectrum(w http.ResponseWriter, r *http.Request) {
	row, err := strconv.Atoi(chi.URLParam(r, "row"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	col, err := strconv.Atoi(chi.URLParam(r, "col"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sp, err := h.o.SpectrumAt(row, col)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sp)
}

// FITS streams the current data as a FITS file
func (h *HTTPOrchestrator) FITS(w http.ResponseWriter, r *http.Request) {
	snap := h.o.Snapshot()
	if snap.Grid == nil && snap.Cube == nil {
		http.Error(w, "no scan data", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", "attachment; filename=scan.fits")
	if err := export.WriteSnapshot(w, snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
