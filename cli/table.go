package cli

import (
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"go.hackfix.me/shift/migration"
)

// maxCellWidth fits the longest possible migration ID, so that IDs are never
// truncated.
const maxCellWidth = migration.MaxDescriptionLength + 20

// renderTable writes a borderless, left-aligned table to w.
func renderTable(w io.Writer, header []string, rows [][]string) error {
	noLines := tw.Lines{
		ShowHeaderLine: tw.Off,
		ShowFooterLine: tw.Off,
		ShowTop:        tw.Off,
		ShowBottom:     tw.Off,
	}
	noSeparators := tw.Separators{
		ShowHeader:     tw.Off,
		ShowFooter:     tw.Off,
		BetweenRows:    tw.Off,
		BetweenColumns: tw.Off,
	}
	left := tw.CellAlignment{Global: tw.AlignLeft}

	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders:  tw.BorderNone,
			Symbols:  tw.NewSymbols(tw.StyleASCII),
			Settings: tw.Settings{Lines: noLines, Separators: noSeparators},
		})),
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{Alignment: left},
			Row: tw.CellConfig{
				Formatting:   tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:    left,
				ColMaxWidths: tw.CellWidth{Global: maxCellWidth},
			},
		}),
	)

	table.Header(header)
	if err := table.Bulk(rows); err != nil {
		return err //nolint:wrapcheck // This is wrapped by the caller.
	}

	return table.Render() //nolint:wrapcheck // This is wrapped by the caller.
}
