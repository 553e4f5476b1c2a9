package train

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/olekukonko/tablewriter"

	"github.com/sugarme/lakeseg/metric"
)

// metric column order for tables; anything else goes alphabetically after.
var metricColumnOrder = []string{"IoU", "Acc", "Dice", "Fscore", "Precision", "Recall"}

// renderMetricTables formats the per-class table and the summary table
// from an EvalMetrics result map. Values are percentages with two
// decimals.
func renderMetricTables(classNames []string, ret map[string][]float64) (classTable, summaryTable string) {
	cols := orderedMetricKeys(ret)

	// per-class table (aAcc is summary-only)
	var classBuf bytes.Buffer
	ct := tablewriter.NewWriter(&classBuf)
	header := append([]string{"Class"}, cols...)
	ct.SetHeader(header)
	ct.SetAutoFormatHeaders(false)
	for i, name := range classNames {
		row := []string{name}
		for _, col := range cols {
			vals := ret[col]
			if i < len(vals) {
				row = append(row, formatPct(vals[i]))
			} else {
				row = append(row, "nan")
			}
		}
		ct.Append(row)
	}
	ct.Render()

	var sumBuf bytes.Buffer
	st := tablewriter.NewWriter(&sumBuf)
	sumHeader := []string{"aAcc"}
	sumRow := []string{formatPct(ret["aAcc"][0])}
	for _, col := range cols {
		sumHeader = append(sumHeader, "m"+col)
		sumRow = append(sumRow, formatPct(metric.NanMean(ret[col])))
	}
	st.SetHeader(sumHeader)
	st.SetAutoFormatHeaders(false)
	st.Append(sumRow)
	st.Render()

	return classBuf.String(), sumBuf.String()
}

func orderedMetricKeys(ret map[string][]float64) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, key := range metricColumnOrder {
		if _, ok := ret[key]; ok {
			cols = append(cols, key)
			seen[key] = true
		}
	}

	var rest []string
	for key := range ret {
		if key == "aAcc" || seen[key] {
			continue
		}
		rest = append(rest, key)
	}
	sort.Strings(rest)

	return append(cols, rest...)
}

func formatPct(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return fmt.Sprintf("%.2f", v*100)
}
