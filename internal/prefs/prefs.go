// Package prefs models prefs.json, the session state every dashboard
// interaction reads and writes back. Keys the dashboard does not own, such
// as the plot settings the test plotter stores under tests.plots, survive
// a read-modify-write untouched.
package prefs

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"hpwhdash/internal/catalog"
)

const (
	DefaultBuildDir    = "../../build"
	DefaultDrawProfile = "auto"
)

const (
	keyModelID      = "model_id"
	keyBuildDir     = "build_dir"
	keyHeatSourceID = "heat_source_id"
	keyTestList     = "tests.list"
	keyTestID       = "tests.id"
	keyDrawProfile  = "tests.draw_profile"
	keyShowMeasured = "tests.show_measured"
	keyShowSim      = "tests.show_simulated"
)

// Prefs is a prefs.json document.
type Prefs struct {
	raw []byte
}

// Parse wraps a prefs document. Empty input yields an empty document.
func Parse(data []byte) (*Prefs, error) {
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("prefs: invalid json")
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("prefs: expected object")
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return &Prefs{raw: raw}, nil
}

// Bytes returns the current document.
func (p *Prefs) Bytes() []byte {
	return p.raw
}

func (p *Prefs) get(key string) gjson.Result {
	return gjson.GetBytes(p.raw, key)
}

func (p *Prefs) set(key string, value any) {
	out, err := sjson.SetBytes(p.raw, key, value)
	if err != nil {
		// sjson only fails on malformed paths; every key here is a constant.
		panic(fmt.Sprintf("prefs: set %s: %v", key, err))
	}
	p.raw = out
}

func (p *Prefs) ModelID() string { return p.get(keyModelID).String() }

func (p *Prefs) SetModelID(id string) { p.set(keyModelID, id) }

// BuildDir falls back to DefaultBuildDir when unset.
func (p *Prefs) BuildDir() string {
	if v := p.get(keyBuildDir); v.Exists() {
		return v.String()
	}
	return DefaultBuildDir
}

func (p *Prefs) SetBuildDir(dir string) { p.set(keyBuildDir, dir) }

// HeatSourceID is chosen by the performance-map plotter.
func (p *Prefs) HeatSourceID() string { return p.get(keyHeatSourceID).String() }

func (p *Prefs) TestList() catalog.TestFilter {
	if v := p.get(keyTestList); v.Exists() && v.String() != "" {
		return catalog.TestFilter(v.String())
	}
	return catalog.AllTests
}

func (p *Prefs) SetTestList(f catalog.TestFilter) { p.set(keyTestList, string(f)) }

func (p *Prefs) TestID() string { return p.get(keyTestID).String() }

func (p *Prefs) SetTestID(id string) { p.set(keyTestID, id) }

func (p *Prefs) DrawProfile() string {
	if v := p.get(keyDrawProfile); v.Exists() && v.String() != "" {
		return v.String()
	}
	return DefaultDrawProfile
}

func (p *Prefs) SetDrawProfile(profile string) { p.set(keyDrawProfile, profile) }

// SetVisibility records which curves the test plotter should draw for the
// last dispatched run.
func (p *Prefs) SetVisibility(measured, simulated bool) {
	p.set(keyShowMeasured, measured)
	p.set(keyShowSim, simulated)
}
