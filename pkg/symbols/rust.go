package symbols

import (
	"errors"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-kit/log"
	"github.com/ianlancetaylor/demangle"

	"github.com/trezor/binsize/pkg/model"
)

// rustRuntime decodes Rust symbol names back into module paths under the
// project crate. Symbols of foreign crates keep their :: path as the function
// name and get no module.
type rustRuntime struct {
	cfg     *Config
	logger  log.Logger
	metrics *Metrics
}

func newRustRuntime(logger log.Logger, cfg *Config, metrics *Metrics) *rustRuntime {
	return &rustRuntime{cfg: cfg, logger: logger, metrics: metrics}
}

func (r *rustRuntime) language() string { return "Rust" }

// Rust has no global const data symbols worth splitting out; everything not
// caught by the generic rodata rule counts as logic.
func (r *rustRuntime) isData(*model.Row) bool { return false }

func (r *rustRuntime) moduleAndFunction(symbol string) (string, string) {
	symbol = demangleLegacy(symbol)
	symbol = stripHashSuffix(symbol)
	symbol = replaceDollarEncodings(symbol)

	// Without a :: path there is nothing to decode.
	if !strings.Contains(symbol, "::") {
		return "", symbol
	}

	if strings.HasPrefix(symbol, "_") {
		symbol = realSymbolFromAlias(symbol)
	}

	if strings.HasPrefix(symbol, r.cfg.RustCrate+"::") {
		return r.resolveProjectSymbol(symbol)
	}

	// Symbols of other crates: no module, full path as the function.
	return "", symbol + "()"
}

// demangleLegacy turns legacy-mangled names, as linker maps report them, into
// the same :: form the size profiler emits, e.g. _ZN4core6option..E ->
// core::option::... Names that do not demangle pass through untouched.
func demangleLegacy(symbol string) string {
	trimmed := strings.TrimPrefix(symbol, "unlikely.")
	if !strings.HasPrefix(trimmed, "_ZN") {
		return symbol
	}
	out := demangle.Filter(trimmed, demangle.NoParams, demangle.NoTemplateParams)
	if out == trimmed {
		return symbol
	}
	return out
}

// stripHashSuffix drops the 16-hex-digit disambiguation hash the compiler
// appends, e.g. core::fmt::write::hca85fcbcf57866e1 -> core::fmt::write.
func stripHashSuffix(symbol string) string {
	const hashLen = 16
	if len(symbol) < hashLen {
		return symbol
	}
	suffix := strings.ToLower(symbol[len(symbol)-hashLen:])
	if _, err := strconv.ParseUint(suffix, 16, 64); err != nil {
		return symbol
	}
	return strings.TrimSuffix(symbol[:len(symbol)-hashLen], "::h")
}

var (
	dollarReplacer = strings.NewReplacer(
		"$LT$", "<",
		"$GT$", ">",
		"$RF$", "&",
		"$C$", ",",
		"..", "::",
	)
	unicodeEscapeRE = regexp.MustCompile(`\$u(\w\w)\$`)
)

// replaceDollarEncodings undoes the $XY$ escapes of the legacy mangling
// scheme, including $uXX$ unicode escapes.
func replaceDollarEncodings(symbol string) string {
	symbol = dollarReplacer.Replace(symbol)
	return unicodeEscapeRE.ReplaceAllStringFunc(symbol, func(m string) string {
		sub := unicodeEscapeRE.FindStringSubmatch(m)
		code, err := strconv.ParseUint(sub[1], 16, 32)
		if err != nil {
			return m
		}
		return string(rune(code))
	})
}

// realSymbolFromAlias resolves trait-impl aliases of the form
// _<A as B>::func. When A is a concrete type the method belongs to A,
// otherwise (a bare generic like T or &mut T) to the trait B.
func realSymbolFromAlias(symbol string) string {
	i := strings.LastIndex(symbol, ">::")
	if i < 2 {
		return symbol
	}
	funcName := symbol[i+3:]
	inner := symbol[2 : len(symbol)-len(funcName)-3]

	parts := strings.Split(inner, " as ")
	candidates := make([]string, 0, len(parts))
	for _, p := range parts {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			candidates = append(candidates, p)
			continue
		}
		// Drop reference qualifiers like &mut.
		candidates = append(candidates, fields[len(fields)-1])
	}

	chosen := candidates[0]
	if len(candidates) > 1 && !strings.Contains(candidates[0], "::") {
		chosen = candidates[1]
	}
	return chosen + "::" + funcName
}

// filterNonrelevantItems drops :: path segments that do not correspond to a
// module directory: closures, ALL-CAPS consts and inline _<..> impl spans.
func filterNonrelevantItems(items []string) []string {
	keep := true
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "_{{closure}}" {
			continue
		}
		if isAllUpper(item) {
			continue
		}
		if strings.HasPrefix(item, "_<") {
			keep = false
		}
		if !keep && strings.HasSuffix(item, ">") {
			keep = true
			continue
		}
		if keep {
			out = append(out, item)
		}
	}
	return out
}

func isAllUpper(item string) bool {
	for _, r := range item {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

// resolveProjectSymbol maps a symbol of the project crate onto its source
// file: the :: path mirrors the module directory layout, an optional trailing
// type name becomes part of the function, and the file is either module.rs or
// module/mod.rs.
func (r *rustRuntime) resolveProjectSymbol(symbol string) (string, string) {
	items := filterNonrelevantItems(strings.Split(symbol, "::"))
	if len(items) < 2 {
		return "", ""
	}
	items = items[1:] // drop the crate name

	function := items[len(items)-1]
	items = items[:len(items)-1]

	var typeName string
	if len(items) > 0 {
		last := items[len(items)-1]
		if last != "" && (unicode.IsUpper(rune(last[0])) || last[0] == '_') {
			typeName = last
			items = items[:len(items)-1]
		}
	}

	filePath := r.cfg.RustSourceDir
	for _, item := range items {
		filePath += "/" + item
	}
	switch {
	case exists(filepath.Join(r.cfg.ProjectRoot, filePath+".rs")):
		filePath += ".rs"
	case exists(filepath.Join(r.cfg.ProjectRoot, filePath, "mod.rs")):
		filePath += "/mod.rs"
	default:
		filePath = InvalidFilePrefix + filePath + ".rs"
	}

	if typeName != "" {
		return filePath, typeName + "::" + function + "()"
	}
	return filePath, function + "()"
}

// locate appends the line of the fn declaration to the already-decoded module
// path. Foreign-crate symbols have no module and resolve to nothing.
func (r *rustRuntime) locate(row *model.Row) string {
	if row.FuncName == "" {
		return row.ModuleName
	}
	if row.ModuleName == "" || strings.HasPrefix(row.ModuleName, InvalidFilePrefix) {
		return ""
	}
	line := r.declarationLine(row.ModuleName, row.FuncName)
	if line == "" {
		return ""
	}
	return row.ModuleName + ":" + line
}

func (r *rustRuntime) declarationLine(module, funcName string) string {
	name := strings.ReplaceAll(funcName, "()", "")
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	out, err := exec.Command("grep",
		"-m1", "-n", "fn "+name+"[(<]",
		filepath.Join(r.cfg.ProjectRoot, module)).Output()
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) || ee.ExitCode() != 1 {
			r.metrics.SearchFailures.WithLabelValues(r.language()).Inc()
		}
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), ":")
	return line
}
