package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

// defaultOutputFormat is table for an interactive stdout and json otherwise.
func defaultOutputFormat() string {
	if isTerminal(int(os.Stdout.Fd())) {
		return outputTable
	}
	return outputJSON
}

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	if output != "" && output != outputTable && output != outputJSON {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintTable writes upper-cased headers and rows separated by two spaces.
func PrintTable(w io.Writer, columns []string, rows [][]string) {
	if len(columns) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	headers := make([]string, len(columns))
	for i, c := range columns {
		headers[i] = strings.ToUpper(c)
	}
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

// printRecords renders a list of JSON objects as a table with sorted
// columns. Anything else is printed as JSON.
func printRecords(w io.Writer, raw json.RawMessage) error {
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil || len(records) == 0 {
		return PrintJSON(w, raw)
	}
	colSet := map[string]struct{}{}
	for _, r := range records {
		for k := range r {
			colSet[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(colSet))
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		row := make([]string, len(columns))
		for i, c := range columns {
			row[i] = formatCell(r[c])
		}
		rows = append(rows, row)
	}
	PrintTable(w, columns, rows)
	return nil
}

func formatCell(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64, bool:
		return fmt.Sprint(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(data)
	}
}
