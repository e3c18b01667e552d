package dataset

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
)

// Row is one record as decoded from an API response
type Row map[string]any

// Dataset is an in-memory table assembled from one API source. Columns
// keep first-seen order across all rows so the generated workbook is
// stable between runs.
type Dataset struct {
	columns []string
	colSet  map[string]struct{}
	rows    []Row
}

// New creates an empty dataset
func New() *Dataset {
	return &Dataset{colSet: make(map[string]struct{})}
}

// FromRows creates a dataset from a slice of records
func FromRows(rows []Row) *Dataset {
	ds := New()
	for _, r := range rows {
		ds.Append(r)
	}
	return ds
}

// Append adds one row, extending the column union as needed
func (d *Dataset) Append(row Row) {
	for _, key := range sortedKeys(row) {
		if _, ok := d.colSet[key]; !ok {
			d.colSet[key] = struct{}{}
			d.columns = append(d.columns, key)
		}
	}
	d.rows = append(d.rows, row)
}

// Concat appends all rows of other, preserving their order
func (d *Dataset) Concat(other *Dataset) {
	for _, row := range other.rows {
		d.Append(row)
	}
}

// Len returns the number of rows
func (d *Dataset) Len() int { return len(d.rows) }

// Empty reports whether the dataset has no rows
func (d *Dataset) Empty() bool { return len(d.rows) == 0 }

// Columns returns the ordered column names
func (d *Dataset) Columns() []string { return d.columns }

// Rows returns the underlying rows
func (d *Dataset) Rows() []Row { return d.rows }

// Cell returns the value at row i, column name (nil when absent)
func (d *Dataset) Cell(i int, name string) any { return d.rows[i][name] }

// DropDuplicates removes rows whose full content exactly equals an
// earlier row, keeping the first occurrence. Equality is the canonical
// JSON encoding of the row; rows that differ only in a volatile field
// (e.g. a fetch timestamp) will not collapse.
func (d *Dataset) DropDuplicates() int {
	seen := make(map[string]struct{}, len(d.rows))
	kept := d.rows[:0]
	removed := 0
	for _, row := range d.rows {
		key, err := json.Marshal(row)
		if err != nil {
			// Unencodable rows cannot be compared; keep them.
			kept = append(kept, row)
			continue
		}
		if _, dup := seen[string(key)]; dup {
			removed++
			continue
		}
		seen[string(key)] = struct{}{}
		kept = append(kept, row)
	}
	d.rows = kept
	return removed
}

// MissingColumns returns the names in required that are not present as
// columns, in the order given
func (d *Dataset) MissingColumns(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := d.colSet[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// EstimateBytes returns an approximate in-memory footprint of the
// table, for logging only
func (d *Dataset) EstimateBytes() int64 {
	var total int64
	for _, row := range d.rows {
		total += 48 // map header overhead per row, rough
		for k, v := range row {
			total += int64(len(k)) + estimateValue(v)
		}
	}
	return total
}

// HTMLTable renders up to limit rows as an escaped HTML table for
// embedding in a mail body
func (d *Dataset) HTMLTable(limit int) string {
	n := len(d.rows)
	if limit > 0 && n > limit {
		n = limit
	}

	var b strings.Builder
	b.WriteString(`<table border="1"><thead><tr>`)
	for _, col := range d.columns {
		b.WriteString("<th>")
		b.WriteString(html.EscapeString(col))
		b.WriteString("</th>")
	}
	b.WriteString("</tr></thead><tbody>")
	for i := 0; i < n; i++ {
		b.WriteString("<tr>")
		for _, col := range d.columns {
			b.WriteString("<td>")
			b.WriteString(html.EscapeString(CellString(d.rows[i][col])))
			b.WriteString("</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

// CellString renders a decoded JSON value for display or a worksheet
// cell. Nested structures fall back to their JSON encoding.
func CellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

func estimateValue(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 8
	case string:
		return int64(len(val)) + 16
	case json.Number:
		return int64(len(val)) + 16
	case bool, float64:
		return 8
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return 32
		}
		return int64(len(raw))
	}
}

// sortedKeys keeps column order deterministic for rows decoded from
// the same object shape
func sortedKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
