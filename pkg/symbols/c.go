package symbols

import (
	"errors"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/trezor/binsize/pkg/cache"
	"github.com/trezor/binsize/pkg/model"
)

// cRuntime handles C symbols. It is also the fallback for everything the
// dispatcher cannot attribute to another runtime: the symbol name carries no
// module information, so the module always stays empty and definitions are
// found by grepping the source tree.
type cRuntime struct {
	cfg     *Config
	logger  log.Logger
	metrics *Metrics

	// file:line -> is-data answers survive across runs; the line cache in
	// front of it keeps repeated lookups into the same file cheap.
	isDataMemo *cache.BoolMemo
	lines      *lru.Cache[string, []string]
}

func newCRuntime(logger log.Logger, cfg *Config, metrics *Metrics) (*cRuntime, error) {
	lines, err := lru.New[string, []string](128)
	if err != nil {
		return nil, err
	}
	return &cRuntime{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		isDataMemo: cache.NewBoolMemo(logger, cfg.IsDataMemoPath),
		lines:      lines,
	}, nil
}

func (c *cRuntime) close() error {
	return c.isDataMemo.Close()
}

func (c *cRuntime) language() string { return "C" }

func (c *cRuntime) moduleAndFunction(symbol string) (string, string) {
	// There is no other info than the symbol name itself.
	return "", cleanSpecialSymbols(symbol)
}

var (
	outlinedFunctionRE = regexp.MustCompile(`^OUTLINED_FUNCTION_\d+$`)
	unnamedRodataRE    = regexp.MustCompile(`^\.rodata::L__unnamed_\d+$`)
)

// cleanSpecialSymbols strips compiler-generated numeric suffixes so that
// semantically identical symbols collapse into one name.
func cleanSpecialSymbols(symbol string) string {
	if strings.HasPrefix(symbol, "[section") {
		return symbol
	}
	if outlinedFunctionRE.MatchString(symbol) {
		return "OUTLINED_FUNCTION"
	}
	if unnamedRodataRE.MatchString(symbol) {
		return ".rodata::L__unnamed"
	}
	// Not interested in the part after the dot, e.g. foo.constprop.0.
	if i := strings.Index(symbol, "."); i >= 0 {
		symbol = symbol[:i]
	}
	return symbol
}

// isData looks at the line the build definition points to and asks: is there
// a const qualifier before any parameter list?
func (c *cRuntime) isData(row *model.Row) bool {
	def := row.BuildDefinition
	if def == "" || !strings.Contains(def, ":") {
		return false
	}
	return c.isDataMemo.Do(def, func() bool {
		return c.definitionLineIsData(def)
	})
}

func (c *cRuntime) definitionLineIsData(def string) bool {
	file, lineStr, ok := strings.Cut(def, ":")
	if !ok {
		return false
	}
	num, err := strconv.Atoi(lineStr)
	if err != nil || num < 1 {
		return false
	}
	lines, err := c.fileLines(filepath.Join(c.cfg.ProjectRoot, file))
	if err != nil || num > len(lines) {
		return false
	}
	head, _, _ := strings.Cut(lines[num-1], "(")
	return strings.Contains(head, "const ")
}

func (c *cRuntime) fileLines(path string) ([]string, error) {
	if lines, ok := c.lines.Get(path); ok {
		return lines, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(content), "\n")
	c.lines.Add(path, lines)
	return lines, nil
}

// locate finds the definition of a C symbol by a two-pass text search:
// strict definition syntax first, and when that fails, at least some
// declaration so the row is not completely blank.
func (c *cRuntime) locate(row *model.Row) string {
	def := c.existingDefinition(row.FuncName, false)
	if def == "" {
		def = c.defaultDefinition(row.FuncName)
	}
	return c.relativeToRoot(def)
}

func (c *cRuntime) relativeToRoot(def string) string {
	root := c.cfg.ProjectRoot + "/"
	if i := strings.Index(def, root); i >= 0 {
		return def[i+len(root):]
	}
	return def
}

func (c *cRuntime) existingDefinition(symbol string, acceptDeclaration bool) string {
	// e.g. groestl_big_close.constprop.0 -> groestl_big_close
	if i := strings.Index(symbol, "."); i >= 0 {
		symbol = symbol[:i]
	}
	if symbol == "" {
		return ""
	}

	// Grep all occurrences first, then validate them one by one.
	// -R instead of -r because vendored trees contain symlinks only.
	args := []string{"-R", "-P", "-n", "--include=*.h", "--include=*.c", `\b` + symbol + `\b`}
	args = append(args, c.searchDirs(symbol)...)
	out, err := exec.Command("grep", args...).Output()
	if err != nil {
		c.observeSearchError(err)
		return ""
	}

	var matches []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if strings.Contains(line, symbol) {
			matches = append(matches, line)
		}
	}
	return definitionFromMatches(symbol, matches, acceptDeclaration)
}

// searchDirs narrows the search when the symbol name carries a recognizable
// namespace prefix; the MicroPython C bindings all live under the extmod
// directory.
func (c *cRuntime) searchDirs(symbol string) []string {
	if strings.HasPrefix(symbol, "mod_trezor") {
		return []string{filepath.Join(c.cfg.ProjectRoot, c.cfg.ExtmodDir)}
	}
	dirs := make([]string, 0, len(c.cfg.CSearchDirs))
	for _, d := range c.cfg.CSearchDirs {
		dirs = append(dirs, filepath.Join(c.cfg.ProjectRoot, d))
	}
	return dirs
}

func definitionFromMatches(symbol string, matches []string, acceptDeclaration bool) string {
	for _, m := range matches {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) < 3 {
			continue
		}
		if validateDefinitionLine(parts[2], symbol, acceptDeclaration) {
			return parts[0] + ":" + parts[1]
		}
	}
	return ""
}

// defPatternWords are the tokens that can legally precede a C definition.
var defPatternWords = []string{
	"static",
	"const",
	"void",
	"bool",
	"char",
	"char*",
	"secbool",
	"float",
	"uint*",
	"int*",
	"__int*",
	"mp_obj_t",
	"mp_*",
	"size_t",
	"qstr",
	"STATIC",
	"FRESULT",
	"DRESULT",
	"DWORD",
	"*TypeDef",
	"*RETURN",
}

// validateDefinitionLine decides whether a grepped line really is the
// definition of the symbol. With acceptDeclaration the rules loosen so the
// same logic can report a declaration as a fallback location.
func validateDefinitionLine(line, symbol string, acceptDeclaration bool) bool {
	line = strings.TrimSpace(line)
	after := line
	if i := strings.Index(line, symbol); i >= 0 {
		after = line[i+len(symbol):]
	}

	// Generated font tables structurally violate the generic rules.
	if strings.HasPrefix(symbol, "Font_Roboto") {
		return strings.Contains(line, "const")
	}

	if !acceptDeclaration {
		if strings.HasSuffix(line, ";") && !strings.Contains(after, "=") {
			return false
		}
	}

	if strings.HasPrefix(line, "/") || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "#") {
		return false
	}

	// Definition is above the line, e.g. groestl_big_core.
	if strings.HasPrefix(line, symbol+"(") {
		return true
	}
	// Definition is above the line, e.g. words_button_seq.
	if strings.HasPrefix(line, "} "+symbol) {
		return true
	}

	if !acceptDeclaration {
		if !strings.HasPrefix(after, "[") &&
			!strings.HasPrefix(after, "(") &&
			!strings.HasPrefix(after, " =") &&
			!strings.HasPrefix(strings.TrimLeft(after, " "), "(") {
			return false
		}
	}

	before := line
	if i := strings.Index(line, symbol); i >= 0 {
		before = line[:i]
	}
	if strings.Contains(before, ",") {
		return false
	}
	if !strings.Contains(before, "ALIGN") && strings.Contains(before, "(") {
		return false
	}

	patterns := defPatternWords
	if strings.Contains(symbol, "_context") {
		patterns = append(patterns[:len(patterns):len(patterns)], "secp256k1_context")
	}
	for _, word := range strings.Fields(before) {
		for _, pattern := range patterns {
			if ok, _ := path.Match(pattern, word); ok {
				return true
			}
		}
	}
	return false
}

func (c *cRuntime) defaultDefinition(symbol string) string {
	// When no definition is found, look at least for a declaration. No line
	// number in this case, to tell the two apart.
	if decl := c.existingDefinition(symbol, true); decl != "" {
		file, _, _ := strings.Cut(decl, ":")
		return file
	}

	// MicroPython binding objects are special, defined under extmod.
	if (strings.HasPrefix(symbol, "mod_") || strings.HasPrefix(symbol, "mp_")) &&
		hasAnySuffix(symbol, []string{"_obj", "_locals_dict", "_locals_dict_table", "_globals"}) {
		if res := c.findAtLeastSomething(symbol, c.cfg.ExtmodDir); res != "" {
			return res
		}
	}

	for _, dir := range c.cfg.CSearchDirs {
		if res := c.findAtLeastSomething(symbol, dir); res != "" {
			return res
		}
	}
	return ""
}

// findAtLeastSomething returns the first file under dir mentioning the
// symbol at all.
func (c *cRuntime) findAtLeastSomething(symbol, dir string) string {
	out, err := exec.Command("grep",
		"-R", "-P", "-l", "--include=*.h", "--include=*.c",
		`\b`+symbol, filepath.Join(c.cfg.ProjectRoot, dir)).Output()
	if err != nil {
		c.observeSearchError(err)
		return ""
	}
	result := strings.TrimSpace(string(out))
	if result == "" {
		return ""
	}
	first, _, _ := strings.Cut(result, "\n")
	return first
}

// observeSearchError counts real grep failures; exit code 1 just means no
// match and is an ordinary miss.
func (c *cRuntime) observeSearchError(err error) {
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == 1 {
		return
	}
	c.metrics.SearchFailures.WithLabelValues(c.language()).Inc()
}
