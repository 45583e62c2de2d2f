package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"strategy-builder/pkg/utils"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates a new Output instance.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && !color.NoColor,
	}
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (o *Output) Print(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a green line.
func (o *Output) Success(format string, args ...interface{}) {
	o.line(o.paint(color.FgGreen), format, args...)
}

// Error prints a red line.
func (o *Output) Error(format string, args ...interface{}) {
	o.line(o.paint(color.FgRed), format, args...)
}

// Warning prints a yellow line.
func (o *Output) Warning(format string, args ...interface{}) {
	o.line(o.paint(color.FgYellow), format, args...)
}

// Info prints a cyan line.
func (o *Output) Info(format string, args ...interface{}) {
	o.line(o.paint(color.FgCyan), format, args...)
}

// Bold prints a bold line.
func (o *Output) Bold(format string, args ...interface{}) {
	o.line(o.paint(color.Bold), format, args...)
}

// Dim prints a faint line.
func (o *Output) Dim(format string, args ...interface{}) {
	o.line(o.paint(color.Faint), format, args...)
}

func (o *Output) line(c *color.Color, format string, args ...interface{}) {
	fmt.Fprintln(o.writer, c.Sprintf(format, args...))
}

// paint returns a color that respects the output's color setting.
func (o *Output) paint(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if o.colorEnabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}

func (o *Output) Green(text string) string {
	return o.paint(color.FgGreen).Sprint(text)
}

func (o *Output) Red(text string) string {
	return o.paint(color.FgRed).Sprint(text)
}

func (o *Output) Yellow(text string) string {
	return o.paint(color.FgYellow).Sprint(text)
}

func (o *Output) Cyan(text string) string {
	return o.paint(color.FgCyan).Sprint(text)
}

func (o *Output) BoldText(text string) string {
	return o.paint(color.Bold).Sprint(text)
}

func (o *Output) DimText(text string) string {
	return o.paint(color.Faint).Sprint(text)
}

// PnL renders a signed rupee amount, green when positive and red when negative.
func (o *Output) PnL(pnl float64) string {
	text := utils.FormatPnL(pnl)
	switch {
	case pnl > 0:
		return o.Green(text)
	case pnl < 0:
		return o.Red(text)
	}
	return text
}

// Table wraps tablewriter with the output's writer.
type Table struct {
	table *tablewriter.Table
	rows  int
}

// NewTable creates a new table with the given headers.
func NewTable(output *Output, headers ...string) *Table {
	tw := tablewriter.NewWriter(output.writer)
	cells := make([]any, len(headers))
	for i, h := range headers {
		cells[i] = h
	}
	tw.Header(cells...)
	return &Table{table: tw}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	row := make([]any, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	t.table.Append(row...)
	t.rows++
}

// Len returns the number of rows added.
func (t *Table) Len() int {
	return t.rows
}

// Render renders the table.
func (t *Table) Render() error {
	return t.table.Render()
}
