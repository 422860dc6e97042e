package main

import (
	"fmt"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/qt3uw/confocal/calib"
	"github.com/qt3uw/confocal/daq"
	"github.com/qt3uw/confocal/export"
	"github.com/qt3uw/confocal/piezo"
	"github.com/qt3uw/confocal/scan"
	"github.com/qt3uw/confocal/scanhttp"
	"github.com/qt3uw/confocal/stage"
)

// StageSetup describes the position controller backend
type StageSetup struct {
	// Type selects the backend: "mock" or "piezo"
	Type string `yaml:"type" koanf:"type"`

	// Addr is the amplifier address (host:port, or a serial device path)
	Addr string `yaml:"addr" koanf:"addr"`

	// Serial selects a serial link instead of TCP
	Serial bool `yaml:"serial" koanf:"serial"`

	// Policy is the out-of-range policy, "clamp" or "strict"
	Policy string `yaml:"policy" koanf:"policy"`

	// Profile is the per-axis calibration
	Profile calib.Profile `yaml:"profile" koanf:"profile"`
}

// DAQSetup describes the acquisition backend
type DAQSetup struct {
	// Type selects the backend: "random", "constant" or "spectrometer"
	Type string `yaml:"type" koanf:"type"`

	// Rate is the constant backend's count rate
	Rate float64 `yaml:"rate" koanf:"rate"`

	// Seed makes the random backend reproducible
	Seed int64 `yaml:"seed" koanf:"seed"`

	// Bins, WlMin and WlMax describe the spectrometer backend
	Bins  int     `yaml:"bins" koanf:"bins"`
	WlMin float64 `yaml:"wlMin" koanf:"wlMin"`
	WlMax float64 `yaml:"wlMax" koanf:"wlMax"`
}

// Config is the top level server configuration
type Config struct {
	// Addr is the listen address
	Addr string `yaml:"addr" koanf:"addr"`

	// Root is the URL stem the scan routes are mounted under
	Root string `yaml:"root" koanf:"root"`

	// SavePath, when set, receives a FITS file after each completed scan
	SavePath string `yaml:"savePath" koanf:"savePath"`

	Stage StageSetup `yaml:"stage" koanf:"stage"`
	DAQ   DAQSetup   `yaml:"daq" koanf:"daq"`
}

// DefaultConfig runs a simulated two-axis stage and photon counter
func DefaultConfig() Config {
	return Config{
		Addr: ":8000",
		Root: "/scan",
		Stage: StageSetup{
			Type:   "mock",
			Policy: "clamp",
			Profile: calib.Profile{
				Axes: []calib.Axis{
					{Scale: 8, Min: 0, Max: 80},
					{Scale: 8, Min: 0, Max: 80},
				},
				Tolerance: 0.001,
			},
		},
		DAQ: DAQSetup{Type: "random", Seed: 1234},
	}
}

func buildStage(s StageSetup) (stage.Controller, error) {
	policy := stage.ClampWarn
	if strings.EqualFold(s.Policy, "strict") {
		policy = stage.Strict
	}
	var act stage.Actuator
	switch strings.ToLower(s.Type) {
	case "", "mock":
		act = stage.NewMockActuator(make([]float64, s.Profile.NAxes()))
	case "piezo":
		act = piezo.NewController(s.Addr, s.Serial)
	default:
		return nil, fmt.Errorf("unknown stage type %q", s.Type)
	}
	return stage.New(act, s.Profile, policy)
}

// buildOrchestrator assembles the scan engine from the configuration
func buildOrchestrator(c Config) (*scan.Orchestrator, error) {
	stg, err := buildStage(c.Stage)
	if err != nil {
		return nil, err
	}
	var o *scan.Orchestrator
	switch strings.ToLower(c.DAQ.Type) {
	case "", "random":
		o = scan.New(stg, daq.NewRandomCounter(c.DAQ.Seed))
	case "constant":
		o = scan.New(stg, &daq.MockCounter{Rate: c.DAQ.Rate})
	case "spectrometer":
		bins := c.DAQ.Bins
		if bins < 1 {
			bins = 512
		}
		o = scan.NewHyperspectral(stg, &daq.MockSpectrometer{
			Spectrum: make([]float64, bins),
			WlMin:    c.DAQ.WlMin,
			WlMax:    c.DAQ.WlMax,
		})
	default:
		return nil, fmt.Errorf("unknown daq type %q", c.DAQ.Type)
	}
	if c.SavePath != "" {
		o.SaveHook = export.SaveFile(c.SavePath)
	}
	return o, nil
}

// BuildMux assembles the orchestrator and mounts its routes
func BuildMux(c Config) (chi.Router, error) {
	o, err := buildOrchestrator(c)
	if err != nil {
		return nil, err
	}
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	stem := c.Root
	if stem == "" {
		stem = "/scan"
	}
	if !strings.HasPrefix(stem, "/") {
		stem = "/" + stem
	}
	r := chi.NewRouter()
	scanhttp.NewHTTPOrchestrator(o).RT().Bind(r)
	root.Mount(stem, r)
	return root, nil
}
