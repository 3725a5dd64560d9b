package fittable

import (
	"html"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	NoParameters = "<div>No parameters.</div>"
	NoMetrics    = "<div>No metrics.</div>"
)

var (
	testPointHeaders    = []string{"model_id", "test_id", "t_min", "variable", "value"}
	energyFactorHeaders = []string{"model_id", "draw_profile", "value"}
	propertyHeaders     = []string{"parameter", "value"}

	generalEntries    = []string{"number_of_nodes", "standard_setpoint"}
	tankEntries       = []string{"volume", "ua", "fittings_ua", "bottom_fraction_of_tank_mixing_on_draw"}
	heatSourceEntries = []string{"heat_source_type"}
)

// RenderParams renders the perf-point parameters as a table whose columns
// are the keys of the first perf-point.
func RenderParams(f *FitList) string {
	var b strings.Builder
	var headers []string
	for _, param := range f.get("parameters").Array() {
		if param.Get("type").String() != "perf-point" {
			continue
		}
		if headers == nil {
			param.ForEach(func(key, _ gjson.Result) bool {
				headers = append(headers, key.String())
				return true
			})
			b.WriteString("<table>")
			writeHead(&b, headers)
			b.WriteString("<tbody>")
		}
		writeRow(&b, param, headers)
	}
	if headers == nil {
		return NoParameters
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

// RenderMetrics renders the test-point metrics followed by the energy
// factor targets.
func RenderMetrics(f *FitList) string {
	metrics := f.get("metrics")
	var b strings.Builder
	b.WriteString("<table>")
	have := false
	for _, section := range []struct {
		key     string
		headers []string
	}{
		{"test_points", testPointHeaders},
		{"energy_factors", energyFactorHeaders},
	} {
		rows := metrics.Get(section.key).Array()
		if len(rows) == 0 {
			continue
		}
		writeHead(&b, section.headers)
		b.WriteString("<tbody>")
		for _, row := range rows {
			writeRow(&b, row, section.headers)
		}
		b.WriteString("</tbody>")
		have = true
	}
	if !have {
		return NoMetrics
	}
	b.WriteString("</table>")
	return b.String()
}

func writeHead(b *strings.Builder, headers []string) {
	b.WriteString("<thead><tr>")
	for _, h := range headers {
		b.WriteString("<th>" + html.EscapeString(h) + "</th>")
	}
	b.WriteString("</tr></thead>")
}

func writeRow(b *strings.Builder, row gjson.Result, headers []string) {
	b.WriteString("<tr>")
	for _, h := range headers {
		b.WriteString("<td>" + cellText(row.Get(gjson.Escape(h))) + "</td>")
	}
	b.WriteString("</tr>")
}

// cellText renders a fit-list value; absent, null, false, zero and empty
// values render as an empty cell.
func cellText(v gjson.Result) string {
	switch v.Type {
	case gjson.Null, gjson.False:
		return ""
	case gjson.String:
		return html.EscapeString(v.Str)
	case gjson.Number:
		d, err := decimal.NewFromString(v.Raw)
		if err != nil {
			return html.EscapeString(v.Raw)
		}
		if d.IsZero() {
			return ""
		}
		return d.String()
	default:
		return valueText(v)
	}
}

// valueText renders a model property value as is.
func valueText(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return html.EscapeString(v.Str)
	case gjson.Number:
		if d, err := decimal.NewFromString(v.Raw); err == nil {
			return d.String()
		}
		return html.EscapeString(v.Raw)
	case gjson.JSON:
		if v.IsArray() {
			parts := make([]string, 0)
			for _, item := range v.Array() {
				parts = append(parts, valueText(item))
			}
			return strings.Join(parts, ",")
		}
		return html.EscapeString(v.Raw)
	default:
		return html.EscapeString(v.Raw)
	}
}

func propertyTable(source gjson.Result, entries []string) string {
	var b strings.Builder
	b.WriteString("<table>")
	writeHead(&b, propertyHeaders)
	b.WriteString("<tbody>")
	for _, entry := range entries {
		v := source.Get(entry)
		if !v.Exists() {
			continue
		}
		b.WriteString("<tr> <th>" + entry + "</th> <td>" + valueText(v) + "</td> </tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

// performance returns the performance block of an integrated or central
// system model definition.
func performance(model gjson.Result) gjson.Result {
	if sys := model.Get("integrated_system"); sys.Exists() {
		return sys.Get("performance")
	}
	return model.Get("central_system")
}

// RenderGeneral renders the general model properties.
func RenderGeneral(model []byte) string {
	return propertyTable(gjson.ParseBytes(model), generalEntries)
}

// RenderTank renders the tank performance properties.
func RenderTank(model []byte) string {
	tank := performance(gjson.ParseBytes(model)).Get("tank.performance")
	return propertyTable(tank, tankEntries)
}

// RenderHeatSource renders the heat source configuration whose id matches
// heatSourceID. It reports false when no configuration matches.
func RenderHeatSource(model []byte, heatSourceID string) (string, bool) {
	configs := performance(gjson.ParseBytes(model)).Get("heat_source_configurations").Array()
	for _, hsc := range configs {
		if hsc.Get("id").String() == heatSourceID {
			return propertyTable(hsc, heatSourceEntries), true
		}
	}
	return "", false
}
