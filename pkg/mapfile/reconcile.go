package mapfile

import (
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/trezor/binsize/pkg/model"
)

// Reconciler fills in the bytes the size profiler lumps under a synthetic
// "[section ...]" umbrella row: symbols present in the linker map but missing
// from the profiler output are appended as real rows and the umbrella shrinks
// by the same amount, so the section total stays put.
type Reconciler struct {
	logger log.Logger
}

func NewReconciler(logger log.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// AddInfo reconciles the rows against the map file, one section at a time,
// and returns the extended row list.
func (r *Reconciler) AddInfo(rows []*model.Row, mapFile string, sections []string) ([]*model.Row, error) {
	for _, section := range sections {
		data, err := ParseSection(mapFile, section)
		if err != nil {
			return nil, err
		}
		sizes, order := data.SymbolSizes()

		added := 0
		for _, symbol := range missingSymbols(rows, sizes, order, section) {
			rows = append(rows, &model.Row{
				SymbolName: symbol,
				Section:    section,
				Size:       sizes[symbol],
			})
			added += sizes[symbol]
		}
		level.Info(r.logger).Log("msg", "added symbols from map file",
			"section", section, "bytes", added, "map_file", mapFile)

		r.decreaseUmbrella(rows, section, added)
	}
	return rows, nil
}

// missingSymbols returns map symbols absent from the rows of the section, in
// map order. Legacy-mangled Rust names are matched by their trailing hash so
// the same function never appears under both spellings.
func missingSymbols(rows []*model.Row, sizes map[string]int, order []string, section string) []string {
	known := make(map[string]struct{})
	for _, row := range rows {
		if row.Section == section {
			known[row.SymbolName] = struct{}{}
		}
	}

	isDuplicateRustSymbol := func(symbol string) bool {
		// The profiler and the map spell Rust symbols differently:
		// core::option::Option$LT$T$GT$::map_or_else::hee63c66131f899de vs
		// _ZN4core6option15Option<T>11map_or_else17hee63c66131f899deE.
		// The hash tail identifies them across the two spellings.
		if !strings.HasPrefix(symbol, "_ZN") || !strings.HasSuffix(symbol, "E") {
			return false
		}
		endHash := symbol[len(symbol)-10 : len(symbol)-1]
		for _, row := range rows {
			if strings.HasSuffix(row.SymbolName, endHash) {
				return true
			}
		}
		return false
	}

	var missing []string
	for _, symbol := range order {
		if _, ok := known[symbol]; ok {
			continue
		}
		if isDuplicateRustSymbol(symbol) {
			continue
		}
		missing = append(missing, symbol)
	}
	return missing
}

func (r *Reconciler) decreaseUmbrella(rows []*model.Row, section string, added int) {
	umbrella := "[section " + section + "]"
	for _, row := range rows {
		if row.SymbolName == umbrella {
			row.Size -= added
			level.Debug(r.logger).Log("msg", "decreased umbrella row",
				"symbol", umbrella, "bytes", added)
			return
		}
	}
	level.Warn(r.logger).Log("msg", "could not decrease umbrella row", "symbol", umbrella)
}
