package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/trezor/binsize/pkg/model"
)

// Categorizer assigns a row to a named category; an empty result means the
// row matches no category.
type Categorizer func(row *model.Row) string

// CategoryStat is the aggregate of one category.
type CategoryStat struct {
	Category string
	Size     int
	Symbols  int
}

// Categorize groups the rows and returns per-category totals, biggest first.
// Rows without a category are summed under the empty name only when
// includeUncategorized is set.
func Categorize(rows []*model.Row, categorize Categorizer, includeUncategorized bool) []CategoryStat {
	index := map[string]int{}
	var stats []CategoryStat
	for _, row := range rows {
		category := categorize(row)
		if category == "" && !includeUncategorized {
			continue
		}
		i, ok := index[category]
		if !ok {
			i = len(stats)
			index[category] = i
			stats = append(stats, CategoryStat{Category: category})
		}
		stats[i].Size += row.Size
		count := row.SymbolCount
		if count == 0 {
			count = 1
		}
		stats[i].Symbols += count
	}

	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Size > stats[j].Size })
	return stats
}

// RenderStats prints the category table with a summary line underneath.
func RenderStats(w io.Writer, stats []CategoryStat) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Category", "Size", "Symbols"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT})
	table.SetBorder(false)

	totalSize, totalSymbols := 0, 0
	for _, s := range stats {
		name := s.Category
		if name == "" {
			name = "(uncategorized)"
		}
		table.Append([]string{name, humanize.Comma(int64(s.Size)), strconv.Itoa(s.Symbols)})
		totalSize += s.Size
		totalSymbols += s.Symbols
	}
	table.Render()

	fmt.Fprintf(w, "SUMMARY: %d categories, %d symbols, %d bytes in total.\n",
		len(stats), totalSymbols, totalSize)
}

// LanguageCategorizer buckets rows by the runtime that produced them.
func LanguageCategorizer(row *model.Row) string {
	return row.Language
}
