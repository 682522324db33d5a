package analyzer

import "github.com/trezor/binsize/pkg/model"

// aggregateRows merges rows sharing an identity into one row each, keeping
// the order in which identities first appear. Sizes and symbol counts add up,
// so aggregating already-aggregated rows changes nothing.
func aggregateRows(rows []*model.Row) []*model.Row {
	groups := make(map[string]*model.Row, len(rows))
	out := make([]*model.Row, 0, len(rows))

	for _, row := range rows {
		id := row.ID()
		g, ok := groups[id]
		if !ok {
			merged := *row // apart from the sizes, alike rows are the same
			merged.Size = 0
			merged.LogicSize = 0
			merged.DataSize = 0
			merged.SymbolCount = 0
			g = &merged
			groups[id] = g
			out = append(out, g)
		}
		g.Size += row.Size
		g.LogicSize += row.LogicSize
		g.DataSize += row.DataSize
		// Raw rows carry no count yet and stand for one symbol each.
		if row.SymbolCount > 0 {
			g.SymbolCount += row.SymbolCount
		} else {
			g.SymbolCount++
		}
	}

	return out
}
