package fittable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func mustParse(t *testing.T, doc string) *FitList {
	t.Helper()
	f, err := Parse([]byte(doc))
	require.NoError(t, err)
	return f
}

func TestRenderParamsPerfPointsOnly(t *testing.T) {
	f := mustParse(t, `{"parameters": [
		{"type": "bilinear-coeff", "term": 1},
		{"type": "perf-point", "model_id": "M1", "T_env": 20.50, "value": 0},
		{"type": "perf-point", "model_id": "M<2>", "T_env": 1e1, "value": 3.25}
	]}`)

	got := RenderParams(f)
	want := "<table><thead><tr><th>type</th><th>model_id</th><th>T_env</th><th>value</th></tr></thead><tbody>" +
		"<tr><td>perf-point</td><td>M1</td><td>20.5</td><td></td></tr>" +
		"<tr><td>perf-point</td><td>M&lt;2&gt;</td><td>10</td><td>3.25</td></tr>" +
		"</tbody></table>"
	assert.Equal(t, want, got)
}

func TestRenderParamsEmpty(t *testing.T) {
	assert.Equal(t, NoParameters, RenderParams(mustParse(t, `{}`)))
	assert.Equal(t, NoParameters, RenderParams(mustParse(t, `{"parameters": [{"type": "bilinear-coeff"}]}`)))
}

func TestRenderMetrics(t *testing.T) {
	f := mustParse(t, `{"metrics": {
		"test_points": [{"model_id": "M1", "test_id": "T1", "t_min": 30, "variable": "Ta", "value": 51.2}],
		"energy_factors": [{"model_id": "M1", "draw_profile": "High", "value": 3.5}]
	}}`)
	want := "<table>" +
		"<thead><tr><th>model_id</th><th>test_id</th><th>t_min</th><th>variable</th><th>value</th></tr></thead>" +
		"<tbody><tr><td>M1</td><td>T1</td><td>30</td><td>Ta</td><td>51.2</td></tr></tbody>" +
		"<thead><tr><th>model_id</th><th>draw_profile</th><th>value</th></tr></thead>" +
		"<tbody><tr><td>M1</td><td>High</td><td>3.5</td></tr></tbody>" +
		"</table>"
	assert.Equal(t, want, RenderMetrics(f))
}

func TestRenderMetricsEmpty(t *testing.T) {
	assert.Equal(t, NoMetrics, RenderMetrics(mustParse(t, `{}`)))
	assert.Equal(t, NoMetrics, RenderMetrics(mustParse(t, `{"metrics": []}`)))
	assert.Equal(t, NoMetrics, RenderMetrics(mustParse(t, `{"metrics": {"test_points": []}}`)))
}

func TestClearKeepsOtherKeys(t *testing.T) {
	f := mustParse(t, `{"constraints": {"c1": {"type": "bilinear-coeffs"}}, "parameters": [{"type": "perf-point"}], "metrics": {"test_points": [{}]}}`)
	require.NoError(t, f.ClearParameters())
	require.NoError(t, f.ClearMetrics())

	doc := f.Bytes()
	assert.Equal(t, "bilinear-coeffs", gjson.GetBytes(doc, "constraints.c1.type").String())
	assert.Equal(t, "[]", gjson.GetBytes(doc, "parameters").Raw)
	assert.Equal(t, "[]", gjson.GetBytes(doc, "metrics").Raw)
}

func TestSetEnergyFactorReplacesMatchingTarget(t *testing.T) {
	f := mustParse(t, `{"metrics": {"energy_factors": [
		{"model_id": "M1", "draw_profile": "High", "value": 3.1},
		{"model_id": "M1", "draw_profile": "Low", "value": 2.9},
		{"model_id": "M2", "draw_profile": "High", "value": 3.3}
	]}}`)

	require.NoError(t, f.SetEnergyFactor(EnergyFactor{ModelID: "M1", DrawProfile: "High", Value: 3.6}, true))
	efs := gjson.GetBytes(f.Bytes(), "metrics.energy_factors").Array()
	require.Len(t, efs, 3)
	assert.Equal(t, "Low", efs[0].Get("draw_profile").String())
	assert.Equal(t, "M2", efs[1].Get("model_id").String())
	assert.Equal(t, 3.6, efs[2].Get("value").Float())

	require.NoError(t, f.SetEnergyFactor(EnergyFactor{ModelID: "M1", DrawProfile: "High"}, false))
	assert.Len(t, gjson.GetBytes(f.Bytes(), "metrics.energy_factors").Array(), 2)
}

func TestSetEnergyFactorAfterClear(t *testing.T) {
	f := mustParse(t, `{"metrics": []}`)
	require.NoError(t, f.SetEnergyFactor(EnergyFactor{ModelID: "M1", DrawProfile: "Medium", Value: 3}, true))
	assert.Equal(t, "Medium", gjson.GetBytes(f.Bytes(), "metrics.energy_factors.0.draw_profile").String())
}

func TestAddTestPoints(t *testing.T) {
	f := mustParse(t, `{}`)
	require.NoError(t, f.AddTestPoints(nil))
	assert.False(t, gjson.GetBytes(f.Bytes(), "metrics").Exists())

	require.NoError(t, f.AddTestPoints([]TestPoint{{ModelID: "M1", TestID: "T1", TMin: 15, Variable: "PowerIn_kW", Value: 0.42}}))
	require.NoError(t, f.AddTestPoints([]TestPoint{{ModelID: "M1", TestID: "T1", TMin: 45, Variable: "PowerIn_kW", Value: 0.4}}))
	points := gjson.GetBytes(f.Bytes(), "metrics.test_points").Array()
	require.Len(t, points, 2)
	assert.Equal(t, 45.0, points[1].Get("t_min").Float())
}

const integratedModel = `{
  "number_of_nodes": 12,
  "standard_setpoint": 0,
  "integrated_system": {"performance": {
    "tank": {"performance": {"volume": 0.1893, "ua": 2.5, "fittings_ua": 0}},
    "heat_source_configurations": [
      {"id": "compressor", "heat_source_type": "CONDENSER"},
      {"id": "upper", "heat_source_type": "RESISTANCE"}
    ]
  }}
}`

func TestRenderGeneral(t *testing.T) {
	want := "<table><thead><tr><th>parameter</th><th>value</th></tr></thead><tbody>" +
		"<tr> <th>number_of_nodes</th> <td>12</td> </tr>" +
		"<tr> <th>standard_setpoint</th> <td>0</td> </tr>" +
		"</tbody></table>"
	assert.Equal(t, want, RenderGeneral([]byte(integratedModel)))
}

func TestRenderTankIntegratedAndCentral(t *testing.T) {
	got := RenderTank([]byte(integratedModel))
	assert.Contains(t, got, "<tr> <th>volume</th> <td>0.1893</td> </tr>")
	assert.Contains(t, got, "<tr> <th>fittings_ua</th> <td>0</td> </tr>")
	assert.NotContains(t, got, "bottom_fraction_of_tank_mixing_on_draw")

	central := `{"central_system": {"tank": {"performance": {"ua": 7}}}}`
	assert.Contains(t, RenderTank([]byte(central)), "<tr> <th>ua</th> <td>7</td> </tr>")
}

func TestRenderHeatSource(t *testing.T) {
	got, ok := RenderHeatSource([]byte(integratedModel), "upper")
	require.True(t, ok)
	assert.Contains(t, got, "<td>RESISTANCE</td>")

	_, ok = RenderHeatSource([]byte(integratedModel), "lower")
	assert.False(t, ok)
}

func TestParseRejectsNonObject(t *testing.T) {
	_, err := Parse([]byte(`[]`))
	require.Error(t, err)
}
