package rulecache

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const maxWidthOfExpressionColumn = 40

// String returns a table of the registered rules, sorted by name.
func (r *Registry) String() string {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("\nRULES (last snapshot v%d)\n", r.Version()))
	tw.AppendHeader(table.Row{"Rule", "State", "Expression", "Compiled", "Error"})

	rules := r.current()
	maxExprLength := 0
	for _, name := range r.Names() {
		rule := rules[name]
		tw.AppendRow(table.Row{
			name,
			rule.State(),
			rule.Expr(),
			humanize.Time(rule.CompiledAt()),
			rule.Err(),
		})
		maxExprLength = max(maxExprLength, len(rule.Expr()))
	}
	if len(rules) == 0 {
		tw.AppendRow(table.Row{"(empty)"})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: maxWidthOfExpressionColumn},
		{Number: 5, WidthMax: maxWidthOfExpressionColumn},
	})
	return render(tw, maxExprLength > maxWidthOfExpressionColumn)
}

// String returns a table of the snapshot's entries, sorted by name.
func (s *Snapshot) String() string {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("\nSNAPSHOT v%d (%s)\n", s.version, humanize.Time(s.createdAt)))
	tw.AppendHeader(table.Row{"Rule", "Expression"})

	maxExprLength := 0
	for _, name := range s.Names() {
		tw.AppendRow(table.Row{name, s.entries[name]})
		maxExprLength = max(maxExprLength, len(s.entries[name]))
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, WidthMax: maxWidthOfExpressionColumn},
	})
	return render(tw, maxExprLength > maxWidthOfExpressionColumn)
}

func render(tw table.Writer, wrapped bool) string {
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	// Only add the row separator if an expression is wide enough to wrap.
	style.Options.SeparateRows = wrapped
	tw.SetStyle(style)
	return tw.Render()
}
