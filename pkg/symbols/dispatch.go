package symbols

import (
	"os"
	"strings"

	"github.com/go-kit/log"
	"golang.org/x/sync/singleflight"

	"github.com/trezor/binsize/pkg/cache"
	"github.com/trezor/binsize/pkg/model"
)

// Symbol name prefixes of the non-default runtimes, kept in one place so it
// is obvious they do not clash with each other.
var (
	mpyPrefixes = []string{"fun_data_", "const_table_data_", "const_obj_", "raw_code_"}

	rustPrefixes = []string{
		"trezor_lib",
		"compiler_builtins",
		"core::",
		"_$LT$",
		"heapless::",
		"cstr_core::",
		"_ZN",
		"unlikely._ZN",
	}
)

// Config ties the handlers to a concrete source tree.
type Config struct {
	// ProjectRoot is the absolute path of the firmware repository checkout.
	ProjectRoot string

	// CSearchDirs are the subtrees (relative to ProjectRoot) grepped for C
	// definitions. ExtmodDir narrows the search for the MicroPython C
	// bindings, whose symbols carry a recognizable prefix.
	CSearchDirs []string
	ExtmodDir   string

	// RustCrate is the name of the project's own crate; symbols of other
	// crates are library internals and are never searched in the tree.
	// RustSourceDir is where the crate's modules live.
	RustCrate     string
	RustSourceDir string

	// PythonSourceDir is the root of the MicroPython application sources.
	PythonSourceDir string

	// IsDataMemoPath optionally persists the per-line data/logic answers of
	// the C handler across runs.
	IsDataMemoPath string
}

func (cfg *Config) setDefaults() {
	if len(cfg.CSearchDirs) == 0 {
		cfg.CSearchDirs = []string{"vendor", "embed"}
	}
	if cfg.ExtmodDir == "" {
		cfg.ExtmodDir = "embed/extmod"
	}
	if cfg.RustCrate == "" {
		cfg.RustCrate = "trezor_lib"
	}
	if cfg.RustSourceDir == "" {
		cfg.RustSourceDir = "embed/rust/src"
	}
	if cfg.PythonSourceDir == "" {
		cfg.PythonSourceDir = "src"
	}
}

// Dispatcher routes every row to the handler of the runtime that produced
// its symbol. The three handlers share the definition cache, the metrics and
// the in-flight resolution group.
type Dispatcher struct {
	c    *Handler
	rust *Handler
	mpy  *Handler
}

func NewDispatcher(logger log.Logger, cfg Config, defs *cache.SourceDefinitions, metrics *Metrics) (*Dispatcher, error) {
	cfg.setDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	sh := &shared{
		logger:  logger,
		metrics: metrics,
		flights: &flightGroup{},
	}

	cRT, err := newCRuntime(logger, &cfg, metrics)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		c:    &Handler{rt: cRT, defs: defs, shared: sh},
		rust: &Handler{rt: newRustRuntime(logger, &cfg, metrics), defs: defs, shared: sh},
		mpy:  &Handler{rt: newMpyRuntime(logger, &cfg), defs: defs, shared: sh},
	}, nil
}

// Handler picks the handler for a row. Order matters: some Rust symbols look
// like C ones but their build definition points into the cargo registry, and
// the C handler is the universal fallback.
func (d *Dispatcher) Handler(row *model.Row) *Handler {
	switch {
	case hasAnyPrefix(row.SymbolName, rustPrefixes) || strings.HasPrefix(row.BuildDefinition, "/cargo/"):
		return d.rust
	case hasAnyPrefix(row.SymbolName, mpyPrefixes):
		return d.mpy
	default:
		return d.c
	}
}

// Close flushes the persistent caches owned by the handlers.
func (d *Dispatcher) Close() error {
	return d.c.rt.(*cRuntime).close()
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// flightGroup collapses concurrent resolutions of the same symbol so the
// cache's check-then-compute sequence runs at most once per key at a time.
type flightGroup struct {
	g singleflight.Group
}

func (f *flightGroup) do(key string, fn func() string) string {
	v, _, _ := f.g.Do(key, func() (interface{}, error) {
		return fn(), nil
	})
	return v.(string)
}
