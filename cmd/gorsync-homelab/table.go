package main

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"
)

// newTable writes to stdout. Piped output gets plain columns without borders so it
// stays easy to grep and cut.
func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		table.SetBorder(false)
		table.SetColumnSeparator("")
		table.SetCenterSeparator("")
		table.SetRowSeparator("")
		table.SetHeaderLine(false)
		table.SetAutoFormatHeaders(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetTablePadding("  ")
		table.SetNoWhiteSpace(true)
	}
	return table
}
