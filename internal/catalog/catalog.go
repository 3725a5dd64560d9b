// Package catalog reads model_index.json and test_index.json and decides
// which models and tests the dashboard offers for the current preferences.
//
// Both indexes are JSON objects keyed by id. Key order is significant: the
// default model is the last one listed and the default test is the first
// visible one, so entries are kept in document order.
package catalog

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// TestFilter selects which tests are listed.
type TestFilter string

const (
	AllTests      TestFilter = "all_tests"
	TestsWithData TestFilter = "tests_with_data"
	StandardTests TestFilter = "standard_tests"
)

// StandardGroup is the group of the fixed 24-hour rating tests.
const StandardGroup = "standard_tests"

type Model struct {
	ID   string
	Name string
}

// Label is the text shown for the model in a picker.
func (m Model) Label() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// MeasuredFile pairs a model with the measured-data file of a test.
type MeasuredFile struct {
	ModelID  string
	Filename string
}

type Test struct {
	ID       string
	Name     string
	Group    string
	HasGroup bool
	Path     string
	HasPath  bool
	Measured []MeasuredFile
}

func (t Test) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// IsStandard reports whether the test belongs to the standard group.
func (t Test) IsStandard() bool {
	return t.HasGroup && t.Group == StandardGroup
}

// MeasuredFile returns the measured-data filename recorded for modelID.
func (t Test) MeasuredFile(modelID string) (string, bool) {
	for _, m := range t.Measured {
		if m.ModelID == modelID {
			return m.Filename, true
		}
	}
	return "", false
}

// Dir is the test directory below testRoot: <root>/<path>/<id>, with the
// path segment omitted when the test has none.
func (t Test) Dir(testRoot string) string {
	if t.HasPath {
		return testRoot + "/" + t.Path + "/" + t.ID
	}
	return testRoot + "/" + t.ID
}

// ParseModels decodes a model index in document order.
func ParseModels(data []byte) ([]Model, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("model index: invalid json")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("model index: expected object")
	}
	var models []Model
	root.ForEach(func(key, value gjson.Result) bool {
		m := Model{ID: key.String()}
		if name := value.Get("name"); name.Exists() {
			m.Name = name.String()
		}
		models = append(models, m)
		return true
	})
	return models, nil
}

// ParseTests decodes a test index in document order.
func ParseTests(data []byte) ([]Test, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("test index: invalid json")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("test index: expected object")
	}
	var tests []Test
	root.ForEach(func(key, value gjson.Result) bool {
		t := Test{ID: key.String()}
		if name := value.Get("name"); name.Exists() {
			t.Name = name.String()
		}
		if group := value.Get("group"); group.Exists() {
			t.Group, t.HasGroup = group.String(), true
		}
		if p := value.Get("path"); p.Exists() {
			t.Path, t.HasPath = p.String(), true
		}
		measured := value.Get("measured")
		if measured.IsArray() {
			for _, m := range measured.Array() {
				t.Measured = append(t.Measured, MeasuredFile{
					ModelID:  m.Get("model_id").String(),
					Filename: m.Get("measured_filename").String(),
				})
			}
		} else {
			measured.ForEach(func(model, file gjson.Result) bool {
				t.Measured = append(t.Measured, MeasuredFile{ModelID: model.String(), Filename: file.String()})
				return true
			})
		}
		tests = append(tests, t)
		return true
	})
	return tests, nil
}

// SelectModel returns preferred when it is in the index, otherwise the
// last model listed. An empty index yields "".
func SelectModel(models []Model, preferred string) string {
	if len(models) == 0 {
		return ""
	}
	for _, m := range models {
		if m.ID == preferred {
			return preferred
		}
	}
	return models[len(models)-1].ID
}

// Visible reports whether test is listed under filter for modelID, and
// whether the test has measured data for the model while data is being
// looked for.
//
// A test is listed when the filter is all_tests, when the filter is
// standard_tests and the test is in the standard group, or when the filter
// is all_tests or tests_with_data and the test has measured data for the
// model. Group and measured data are only consulted for tests that carry
// a group.
func Visible(test Test, filter TestFilter, modelID string) (show, measured bool) {
	show = filter == AllTests
	if !test.HasGroup {
		return show, false
	}
	if filter == StandardTests && test.Group == StandardGroup {
		show = true
	}
	if filter == AllTests || filter == TestsWithData {
		if _, ok := test.MeasuredFile(modelID); ok {
			show, measured = true, true
		}
	}
	return show, measured
}

// Selection is the outcome of filtering the test index.
type Selection struct {
	Visible       []Test
	FoundMeasured bool
}

// VisibleTests applies Visible to every test, keeping document order.
func VisibleTests(tests []Test, filter TestFilter, modelID string) Selection {
	var sel Selection
	for _, t := range tests {
		show, measured := Visible(t, filter, modelID)
		if measured {
			sel.FoundMeasured = true
		}
		if show {
			sel.Visible = append(sel.Visible, t)
		}
	}
	return sel
}

// SelectTest keeps preferred when it is still visible, otherwise picks the
// first visible test. It returns false when nothing is visible.
func SelectTest(visible []Test, preferred string) (Test, bool) {
	if len(visible) == 0 {
		return Test{}, false
	}
	for _, t := range visible {
		if t.ID == preferred {
			return t, true
		}
	}
	return visible[0], true
}
