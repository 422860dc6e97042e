package scanhttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi"

	"github.com/qt3uw/confocal/calib"
	"github.com/qt3uw/confocal/daq"
	"github.com/qt3uw/confocal/scan"
	"github.com/qt3uw/confocal/stage"
)

func testServer(t *testing.T) (*httptest.Server, *scan.Orchestrator, *daq.MockCounter) {
	t.Helper()
	act := stage.NewMockActuator([]float64{0, 0})
	prof := calib.Profile{
		Axes: []calib.Axis{
			{Scale: 8, Min: 0, Max: 80},
			{Scale: 8, Min: 0, Max: 80},
		},
		Tolerance: 0.001,
	}
	stg, err := stage.New(act, prof, stage.ClampWarn)
	if err != nil {
		t.Fatal(err)
	}
	ctr := &daq.MockCounter{Rate: 1000}
	o := scan.New(stg, ctr)

	r := chi.NewRouter()
	NewHTTPOrchestrator(o).RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, o, ctr
}

func specJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	spec := scan.GridSpec{
		X0: 0, X1: 80, Cols: 3,
		Y0: 0, Y1: 80, Rows: 3,
		Batch: daq.BatchSpec{Samples: 10, ClockRate: 10000, Timeout: time.Second},
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(spec); err != nil {
		t.Fatal(err)
	}
	return buf
}

func post(t *testing.T, url string, body *bytes.Buffer) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartRunsToCompletion(t *testing.T) {
	srv, o, _ := testServer(t)
	resp := post(t, srv.URL+"/start", specJSON(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d", resp.StatusCode)
	}
	o.Wait()

	r, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var st StatusResponse
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Status != "completed" {
		t.Errorf("status %q, want completed", st.Status)
	}
	if st.Progress != 1.0 {
		t.Errorf("progress %g, want 1.0", st.Progress)
	}
	if st.Points != 9 || st.Cursor != 9 {
		t.Errorf("cursor %d / points %d", st.Cursor, st.Points)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	srv, _, _ := testServer(t)
	body := bytes.NewBufferString(`{"x0":0,"x1":0,"cols":3,"y0":0,"y1":1,"rows":3}`)
	resp := post(t, srv.URL+"/start", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("degenerate spec returned %d, want 400", resp.StatusCode)
	}
}

func TestControlConflicts(t *testing.T) {
	srv, _, _ := testServer(t)
	for _, ep := range []string{"/pause", "/resume", "/stop"} {
		resp := post(t, srv.URL+ep, nil)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("%s while idle returned %d, want 409", ep, resp.StatusCode)
		}
	}
}

func TestSnapshotCarriesNullSentinels(t *testing.T) {
	srv, o, ctr := testServer(t)
	// make cell (1,1) invalid via a timeout and its failed retry
	ctr.FailCalls = map[int]bool{4: true, 5: true}
	resp := post(t, srv.URL+"/start", specJSON(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d", resp.StatusCode)
	}
	o.Wait()

	r, err := http.Get(srv.URL + "/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var snap JSONSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Grid == nil {
		t.Fatal("snapshot carries no grid")
	}
	if snap.Grid.Data[1][1] != nil {
		t.Error("invalid cell should be null on the wire")
	}
	if snap.Grid.Data[0][0] == nil || *snap.Grid.Data[0][0] != 1000 {
		t.Error("valid cell lost in translation")
	}
}

func TestRescanEndpoint(t *testing.T) {
	srv, o, ctr := testServer(t)
	resp := post(t, srv.URL+"/start", specJSON(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d", resp.StatusCode)
	}
	o.Wait()

	ctr.Rate = 4242
	body := bytes.NewBufferString(`{"x": 40, "y": 40}`)
	resp = post(t, srv.URL+"/rescan", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rescan returned %d", resp.StatusCode)
	}
	var res scan.RescanResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Applied || res.Row != 1 || res.Col != 1 || res.Value != 4242 {
		t.Errorf("unexpected rescan result %+v", res)
	}
}

func TestSpectrumEndpointNotHyperspectral(t *testing.T) {
	srv, _, _ := testServer(t)
	r, err := http.Get(srv.URL + "/spectrum/0/0")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusNotFound {
		t.Errorf("spectrum on a counter scan returned %d, want 404", r.StatusCode)
	}
}

func TestFITSEndpoint(t *testing.T) {
	srv, o, _ := testServer(t)

	// no data yet
	r, err := http.Get(srv.URL + "/data.fits")
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusNotFound {
		t.Errorf("fits with no data returned %d, want 404", r.StatusCode)
	}

	resp := post(t, srv.URL+"/start", specJSON(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d", resp.StatusCode)
	}
	o.Wait()

	r, err = http.Get(srv.URL + "/data.fits")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("fits returned %d", r.StatusCode)
	}
	if ct := r.Header.Get("Content-Type"); ct != "image/fits" {
		t.Errorf("content type %q", ct)
	}
	buf := make([]byte, 6)
	if _, err := r.Body.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "SIMPLE" {
		t.Errorf("body does not start with a FITS header, got %q", buf)
	}
}

func TestProgressAndSaveEndpoints(t *testing.T) {
	srv, o, _ := testServer(t)
	resp := post(t, srv.URL+"/start", specJSON(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start returned %d", resp.StatusCode)
	}
	o.Wait()

	r, err := http.Get(srv.URL + "/progress")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var prog map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&prog); err != nil {
		t.Fatal(err)
	}
	if prog["progress"] != 1.0 {
		t.Errorf("progress %g, want 1.0", prog["progress"])
	}

	path := t.TempDir() + "/scan.fits"
	body := bytes.NewBufferString(`{"path": "` + path + `"}`)
	resp = post(t, srv.URL+"/save", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save returned %d", resp.StatusCode)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() == 0 {
		t.Error("saved file is empty")
	}
}

func TestEndpointsListing(t *testing.T) {
	h := NewHTTPOrchestrator(nil)
	eps := h.RT().Endpoints()
	if len(eps) != len(h.RouteTable) {
		t.Errorf("expected %d endpoints, got %d", len(h.RouteTable), len(eps))
	}
}
