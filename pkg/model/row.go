package model

import "fmt"

// Row is one unit of attributed binary size: a single symbol as reported by
// the size profiler, or a group of merged symbols after aggregation.
type Row struct {
	// Initial info, coming directly from the data loader.
	SymbolName string
	Section    string
	Size       int

	// Filled in by a symbol handler during classification.
	Language   string
	FuncName   string // possibly qualified with the owning type or class
	ModuleName string // source-tree-relative file the symbol comes from
	LogicSize  int    // how much of the symbol size is logic
	DataSize   int    // how much of the symbol size is data

	// file:line recovered from the build symbol table, when available.
	BuildDefinition string

	// Set by aggregation to the number of raw symbols merged into this row.
	SymbolCount int

	// Best-effort file[:line] of the definition in the source tree.
	// For most C symbols this equals BuildDefinition; for frozen MicroPython
	// the build points into a generated C file while this points to the
	// original module.
	SourceDefinition string
}

// ID identifies rows that belong together during aggregation.
// Each non-alike row must stay unique even before any info is filled in,
// and the section is part of the identity so that same-named symbols from
// different memory regions never merge.
func (r *Row) ID() string {
	var name string
	switch {
	case r.ModuleName != "" && r.FuncName != "":
		name = r.ModuleName + "::" + r.FuncName
	case r.ModuleName != "":
		name = r.ModuleName
	case r.FuncName != "":
		name = r.FuncName
	default:
		name = r.SymbolName
	}
	return r.Section + "_" + name
}

// Format renders the row as one aligned report line. The resolved source
// definition wins over the module name, which wins over the function name;
// the raw symbol name is the last resort (it is always there). The debug
// variant appends the raw symbol name for traceability.
func (r *Row) Format(debug bool) string {
	var name string
	switch {
	case r.SourceDefinition != "":
		name = fmt.Sprintf("%-60s %s", r.SourceDefinition, r.FuncName)
	case r.ModuleName != "":
		name = fmt.Sprintf("%-60s %s", r.ModuleName, r.FuncName)
	case r.FuncName != "":
		name = r.FuncName
	default:
		name = r.SymbolName
	}

	columns := fmt.Sprintf("%-10s %-7d %-4d L%-7d D%-7d",
		r.Section, r.Size, r.SymbolCount, r.LogicSize, r.DataSize)
	if debug {
		return fmt.Sprintf("%s %-100s %s", columns, name, r.SymbolName)
	}
	return columns + " " + name
}
