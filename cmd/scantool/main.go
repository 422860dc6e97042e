// scantool is a command line client for scansrv.  It submits a raster
// scan, watches its progress, and writes the finished data to a FITS
// file.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"

	"github.com/qt3uw/confocal/daq"
	"github.com/qt3uw/confocal/scan"
	"github.com/qt3uw/confocal/scanhttp"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"
)

type client struct {
	base string
	http *http.Client
}

func (c client) post(path string, body io.Reader) error {
	resp, err := c.http.Post(c.base+path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c client) status() (scanhttp.StatusResponse, error) {
	var st scanhttp.StatusResponse
	resp, err := c.http.Get(c.base + "/status")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

func (c client) download(path, dest string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, resp.Body)
	cerr := f.Close()
	if err != nil {
		return err
	}
	return cerr
}

func main() {
	var (
		addr    = flag.String("addr", "http://localhost:8000/scan", "base URL of the scan routes on a scansrv")
		x0      = flag.Float64("x0", 0, "fast axis start, um")
		x1      = flag.Float64("x1", 80, "fast axis end, um")
		cols    = flag.Int("cols", 32, "points along the fast axis")
		y0      = flag.Float64("y0", 0, "slow axis start, um")
		y1      = flag.Float64("y1", 80, "slow axis end, um")
		rows    = flag.Int("rows", 32, "points along the slow axis")
		samples = flag.Int("samples", 100, "raw samples per point")
		clock   = flag.Float64("clock", 100000, "sample clock, Hz")
		timeout = flag.Duration("timeout", 5*time.Second, "per-batch read timeout")
		serp    = flag.Bool("serpentine", false, "reverse column direction on odd rows")
		out     = flag.String("o", "scan.fits", "output FITS file")
		version = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()
	if *version {
		fmt.Printf("scantool version %v\n", Version)
		return
	}

	spec := scan.GridSpec{
		X0: *x0, X1: *x1, Cols: *cols,
		Y0: *y0, Y1: *y1, Rows: *rows,
		Batch: daq.BatchSpec{Samples: *samples, ClockRate: *clock, Timeout: *timeout},
	}
	if *serp {
		spec.Order = scan.Serpentine
	}
	if err := spec.Validate(); err != nil {
		log.Fatal(err)
	}
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(spec); err != nil {
		log.Fatal(err)
	}

	c := client{base: strings.TrimRight(*addr, "/"), http: &http.Client{Timeout: 30 * time.Second}}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " scanning",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
		StopFailMessage: "scan failed",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := c.post("/start", body); err != nil {
		log.Fatal(err)
	}
	spinner.Start()

	// poll gently; the server is busy moving hardware
	lim := rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	ctx := context.Background()
	for {
		if err := lim.Wait(ctx); err != nil {
			spinner.StopFail()
			log.Fatal(err)
		}
		st, err := c.status()
		if err != nil {
			spinner.StopFail()
			log.Fatal(err)
		}
		spinner.Message(fmt.Sprintf("%d/%d points (%.0f%%), %d invalid, %d retries",
			st.Cursor, st.Points, st.Progress*100, st.Invalid, st.Retries))
		switch st.Status {
		case "completed":
			spinner.Stop()
			if err := c.download("/data.fits", *out); err != nil {
				log.Fatal(err)
			}
			fmt.Println("wrote", *out)
			return
		case "failed":
			spinner.StopFail()
			log.Fatalf("scan aborted: %s", st.Err)
		case "idle":
			spinner.StopFail()
			log.Fatal("scan stopped before completion")
		}
	}
}
