// Package fittable edits fit_list.json and renders its parameters and
// metrics, plus the property tables of a model definition, as HTML
// fragments for the dashboard page.
package fittable

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FitList is a fit_list.json document. Edits keep every key they do not
// touch, including the constraints the fitter reads.
type FitList struct {
	raw []byte
}

func Parse(data []byte) (*FitList, error) {
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("fit list: expected json object")
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return &FitList{raw: raw}, nil
}

func (f *FitList) Bytes() []byte { return f.raw }

func (f *FitList) get(path string) gjson.Result {
	return gjson.GetBytes(f.raw, path)
}

func (f *FitList) setRaw(path, value string) error {
	out, err := sjson.SetRawBytes(f.raw, path, []byte(value))
	if err != nil {
		return fmt.Errorf("fit list: set %s: %w", path, err)
	}
	f.raw = out
	return nil
}

// ClearParameters empties the parameter list.
func (f *FitList) ClearParameters() error {
	return f.setRaw("parameters", "[]")
}

// ClearMetrics empties the metric list.
func (f *FitList) ClearMetrics() error {
	return f.setRaw("metrics", "[]")
}

// EnergyFactor is a target UEF for a model under a draw profile.
type EnergyFactor struct {
	ModelID     string  `json:"model_id"`
	DrawProfile string  `json:"draw_profile"`
	Value       float64 `json:"value"`
}

// SetEnergyFactor drops any target recorded for the model and draw profile
// and, when fit is set, appends ef in its place.
func (f *FitList) SetEnergyFactor(ef EnergyFactor, fit bool) error {
	kept := []string{}
	for _, item := range f.get("metrics.energy_factors").Array() {
		model, profile := item.Get("model_id"), item.Get("draw_profile")
		if model.Exists() && profile.Exists() && model.String() == ef.ModelID && profile.String() == ef.DrawProfile {
			continue
		}
		kept = append(kept, item.Raw)
	}
	if fit {
		entry, err := json.Marshal(ef)
		if err != nil {
			return fmt.Errorf("fit list: energy factor: %w", err)
		}
		kept = append(kept, string(entry))
	}
	if err := f.ensureMetricsObject(); err != nil {
		return err
	}
	return f.setRaw("metrics.energy_factors", joinArray(kept))
}

// TestPoint is one measured-versus-simulated comparison point.
type TestPoint struct {
	ModelID  string  `json:"model_id"`
	TestID   string  `json:"test_id"`
	TMin     float64 `json:"t_min"`
	Variable string  `json:"variable"`
	Value    float64 `json:"value"`
}

// AddTestPoints appends points to metrics.test_points. Nothing is written
// when there is nothing to add and no list exists yet.
func (f *FitList) AddTestPoints(points []TestPoint) error {
	existing := f.get("metrics.test_points").Array()
	if len(points) == 0 && len(existing) == 0 {
		return nil
	}
	items := make([]string, 0, len(existing)+len(points))
	for _, item := range existing {
		items = append(items, item.Raw)
	}
	for _, p := range points {
		entry, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("fit list: test point: %w", err)
		}
		items = append(items, string(entry))
	}
	if err := f.ensureMetricsObject(); err != nil {
		return err
	}
	return f.setRaw("metrics.test_points", joinArray(items))
}

// ensureMetricsObject replaces a cleared (array) or missing metrics entry
// with an object so named metric lists can be stored under it.
func (f *FitList) ensureMetricsObject() error {
	if f.get("metrics").IsObject() {
		return nil
	}
	return f.setRaw("metrics", "{}")
}

func joinArray(items []string) string {
	return "[" + strings.Join(items, ",") + "]"
}
