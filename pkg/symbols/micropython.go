package symbols

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/trezor/binsize/pkg/model"
)

// Frozen MicroPython symbols flatten the dotted module path and the function
// qualname into one underscore-separated name, so the split between the two
// is ambiguous and has to be probed against the source tree.
type mpyRuntime struct {
	cfg    *Config
	logger log.Logger

	// Module resolution walks the filesystem and function resolution parses
	// a Python file; both are memoized per input.
	modules *xsync.MapOf[string, moduleResolution]
	indexes *xsync.MapOf[string, *fileIndex]
}

type moduleResolution struct {
	path  string
	valid bool
}

func newMpyRuntime(logger log.Logger, cfg *Config) *mpyRuntime {
	return &mpyRuntime{
		cfg:     cfg,
		logger:  logger,
		modules: xsync.NewMapOf[string, moduleResolution](),
		indexes: xsync.NewMapOf[string, *fileIndex](),
	}
}

func (m *mpyRuntime) language() string { return "mpy" }

func (m *mpyRuntime) isData(row *model.Row) bool {
	return strings.HasPrefix(row.SymbolName, "const_obj_")
}

const moduleEndMarker = "__lt_module_gt_"

var (
	trailingNumberRE = regexp.MustCompile(`_\d+$`)
	strangeSuffixRE  = regexp.MustCompile(`(_)?_lt_\w+_gt(_\d*)?`)

	// Function names that genuinely end with digits; stripping the trailing
	// number would corrupt them.
	numberSuffixExceptions = []string{
		"blake_hash_writer_32",
		"_migrate_from_version_01",
		"sha256d_32",
		"groestl512d_32",
		"blake256d_32",
		"keccak_32",
		"ripemd160_32",
	}
)

func (m *mpyRuntime) moduleAndFunction(symbol string) (string, string) {
	for _, p := range mpyPrefixes {
		if strings.HasPrefix(symbol, p) {
			symbol = symbol[len(p):]
		}
	}
	// Occurrence-counter suffix, e.g. _handle_message_5.
	if !hasAnySuffix(symbol, numberSuffixExceptions) {
		symbol = trailingNumberRE.ReplaceAllString(symbol, "")
	}

	// Module objects carry no function part at all.
	if strings.HasSuffix(symbol, moduleEndMarker) {
		res, ok := m.resolveModule(strings.TrimSuffix(symbol, moduleEndMarker))
		if !ok {
			return InvalidFilePrefix + res, ""
		}
		return res, ""
	}

	// Try the longest possible module path first; what remains is the
	// function qualname.
	parts := strings.Split(symbol, "_")
	for i := len(parts); i > 0; i-- {
		module, ok := m.resolveModule(strings.Join(parts[:i], "_"))
		if ok {
			return module, m.resolveFunctionName(strings.Join(parts[i:], "_"), module)
		}
	}

	level.Debug(m.logger).Log("msg", "no module found for symbol", "symbol", symbol)
	module := strings.Join(parts[:len(parts)-1], "_")
	return InvalidFilePrefix + module, parts[len(parts)-1]
}

// resolveModule turns an underscore-flattened module name into a source file
// path, when one exists. Underscores are ambiguous: they separate path
// segments but also appear inside file names, so each segment is probed both
// ways against the tree.
func (m *mpyRuntime) resolveModule(name string) (string, bool) {
	res, _ := m.modules.LoadOrCompute(name, func() moduleResolution {
		return m.computeModule(name)
	})
	return res.path, res.valid
}

func (m *mpyRuntime) computeModule(name string) moduleResolution {
	moduleFile := name + ".py"
	var parts []string
	if strings.HasSuffix(moduleFile, "__init__.py") {
		parts = strings.Split(strings.TrimSuffix(moduleFile, "__init__.py"), "_")
		parts = append(parts, "__init__.py")
	} else {
		parts = strings.Split(moduleFile, "_")
	}

	filePath := m.cfg.PythonSourceDir
	for _, part := range parts {
		if part == "" {
			continue
		}
		var possible string
		if strings.HasSuffix(filePath, "_") {
			possible = filePath + part
		} else {
			possible = filePath + "/" + part
		}
		if exists(filepath.Join(m.cfg.ProjectRoot, possible)) {
			filePath = possible
		} else {
			// Assume the underscore belongs to the name, not the path.
			filePath = possible + "_"
		}
	}
	filePath = strings.TrimRight(filePath, "_")

	// apps/monero has a serialize_messages directory that the flattening
	// makes indistinguishable from serialize/messages_*.
	if !exists(filepath.Join(m.cfg.ProjectRoot, filePath)) &&
		strings.Contains(filePath, "apps/monero/") &&
		strings.Contains(filePath, "serialize/messages") {
		filePath = strings.ReplaceAll(filePath, "serialize/messages_", "serialize_messages/")
	}

	return moduleResolution{
		path:  filePath,
		valid: exists(filepath.Join(m.cfg.ProjectRoot, filePath)),
	}
}

// resolveFunctionName maps the leftover qualname part onto a definition that
// actually exists in the module, restoring the dots between class and method
// names.
func (m *mpyRuntime) resolveFunctionName(funcPart, module string) string {
	funcPart = strangeSuffixRE.ReplaceAllString(funcPart, "")
	if funcPart == "" {
		return ""
	}
	return m.moduleIndex(module).resolveSymbol(funcPart)
}

func (m *mpyRuntime) moduleIndex(module string) *fileIndex {
	idx, _ := m.indexes.LoadOrCompute(module, func() *fileIndex {
		idx, err := newFileIndex(filepath.Join(m.cfg.ProjectRoot, module))
		if err != nil {
			level.Debug(m.logger).Log("msg", "could not index python module", "module", module, "err", err)
			return emptyFileIndex()
		}
		return idx
	})
	return idx
}

// locate appends the definition line to the already-decoded module path.
func (m *mpyRuntime) locate(row *model.Row) string {
	if row.ModuleName == "" || strings.HasPrefix(row.ModuleName, InvalidFilePrefix) {
		return ""
	}
	if row.FuncName == "" {
		return row.ModuleName
	}
	line, ok := m.moduleIndex(row.ModuleName).lineNumber(row.FuncName)
	if !ok {
		return ""
	}
	return row.ModuleName + ":" + line
}
