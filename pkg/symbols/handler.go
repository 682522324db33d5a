package symbols

import (
	"strings"

	"github.com/go-kit/log"

	"github.com/trezor/binsize/pkg/cache"
	"github.com/trezor/binsize/pkg/model"
)

// InvalidFilePrefix marks a module path that was decoded from a symbol name
// but does not exist in the source tree.
const InvalidFilePrefix = "--invalid_file--"

// frozenModulesArtifact is the generated C file the MicroPython cross-compiler
// emits for frozen modules. Build definitions pointing there are useless as
// source locations and force a real search.
const frozenModulesArtifact = "build/firmware/frozen_mpy.c"

// runtime is the per-language part of a Handler: decoding a symbol name into
// a (module, function) pair, deciding whether a symbol is data, and locating
// its definition in the source tree.
type runtime interface {
	language() string
	moduleAndFunction(symbol string) (module, function string)
	isData(row *model.Row) bool
	locate(row *model.Row) string
}

// Handler fills classification and source-definition info into rows of one
// runtime. The shared skeleton lives here; everything language-specific is
// behind the runtime hooks.
type Handler struct {
	rt     runtime
	defs   *cache.SourceDefinitions // may be nil, then nothing is memoized
	shared *shared
}

// shared is state common to all three handlers of a dispatcher.
type shared struct {
	logger  log.Logger
	metrics *Metrics
	flights *flightGroup
}

// Language returns the runtime name this handler classifies rows into.
func (h *Handler) Language() string {
	return h.rt.language()
}

// Classify sets the language, the decoded (module, function) pair and the
// logic/data split. Synthetic section markers get an empty language.
func (h *Handler) Classify(row *model.Row) {
	if strings.HasPrefix(row.SymbolName, "[section") {
		row.Language = ""
	} else {
		row.Language = h.rt.language()
	}
	row.ModuleName, row.FuncName = h.rt.moduleAndFunction(row.SymbolName)

	// String literals and read-only data are data no matter what the
	// runtime-specific predicate says.
	switch {
	case strings.Contains(row.SymbolName, "str1.1") || strings.Contains(row.SymbolName, ".rodata"):
		row.DataSize = row.Size
	case h.rt.isData(row):
		row.DataSize = row.Size
	default:
		row.LogicSize = row.Size
	}
}

// Resolve fills the source definition of the row, classifying it first when
// needed. Resolution is best-effort: a miss leaves the field empty and is
// never an error.
func (h *Handler) Resolve(row *model.Row) {
	if row.Language == "" {
		h.Classify(row)
	}

	// Section markers, anonymous blobs and string pools have no definition.
	name := row.SymbolName
	if name == "" ||
		strings.HasPrefix(name, "[") ||
		strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, "str1") {
		return
	}

	// A build definition pointing into real sources is trusted verbatim and
	// saves a search. Frozen-module artifacts still need resolving.
	if row.BuildDefinition != "" && !strings.Contains(row.BuildDefinition, frozenModulesArtifact) {
		row.SourceDefinition = row.BuildDefinition
		return
	}

	row.SourceDefinition = h.cachedDefinition(row)
}

// cachedDefinition consults the persistent cache before calling the
// runtime-specific locator. Concurrent resolutions of the same symbol are
// collapsed into a single lookup.
func (h *Handler) cachedDefinition(row *model.Row) string {
	if h.defs == nil {
		return h.rt.locate(row)
	}
	return h.shared.flights.do(row.SymbolName, func() string {
		if def, ok := h.defs.Get(row.SymbolName); ok && !h.defs.IsInvalidated(row.SymbolName) {
			h.shared.metrics.CacheLookups.WithLabelValues("hit").Inc()
			return def
		}
		h.shared.metrics.CacheLookups.WithLabelValues("miss").Inc()
		def := h.rt.locate(row)
		h.defs.Add(row.SymbolName, def)
		h.observeResolution(def)
		return def
	})
}

func (h *Handler) observeResolution(definition string) {
	outcome := "found"
	if definition == "" {
		outcome = "miss"
	}
	h.shared.metrics.Resolutions.WithLabelValues(h.rt.language(), outcome).Inc()
}
