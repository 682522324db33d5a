package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/trezor/binsize/pkg/model"
)

const storageC = `#include "storage.h"

static const uint8_t storage_magic[4] = {0x4e, 0x52, 0x43, 0x32};

static void norcow_init(void) {
  // nothing
}

secbool storage_unlock(const uint8_t *pin) {
  return secfalse;
}
`

func testCRuntime(t *testing.T) (*cRuntime, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "embed/extmod/modtrezorio"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "vendor"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "embed/storage.c"), []byte(storageC), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "embed/extmod/modtrezorio/modtrezorio.c"),
		[]byte("mp_obj_t mod_trezorio_poll(mp_obj_t obj) {\n  return obj;\n}\n"), 0o644))

	cfg := Config{ProjectRoot: root}
	cfg.setDefaults()
	rt, err := newCRuntime(log.NewNopLogger(), &cfg, NewMetrics(nil))
	require.NoError(t, err)
	return rt, root
}

func TestCleanSpecialSymbols(t *testing.T) {
	require.Equal(t, "OUTLINED_FUNCTION", cleanSpecialSymbols("OUTLINED_FUNCTION_123"))
	require.Equal(t, ".rodata::L__unnamed", cleanSpecialSymbols(".rodata::L__unnamed_42"))
	require.Equal(t, "groestl_big_close", cleanSpecialSymbols("groestl_big_close.constprop.0"))
	require.Equal(t, "storage_unlock", cleanSpecialSymbols("storage_unlock"))
	require.Equal(t, "[section .flash]", cleanSpecialSymbols("[section .flash]"))
}

func TestValidateDefinitionLine(t *testing.T) {
	testcases := []struct {
		name     string
		line     string
		symbol   string
		expected bool
	}{
		{
			name:     "static definition",
			line:     "static void norcow_init(void) {",
			symbol:   "norcow_init",
			expected: true,
		},
		{
			name:     "const array definition",
			line:     "static const uint8_t storage_magic[4] = {",
			symbol:   "storage_magic",
			expected: true,
		},
		{
			name:     "declaration is rejected",
			line:     "secbool storage_unlock(const uint8_t *pin);",
			symbol:   "storage_unlock",
			expected: false,
		},
		{
			name:     "comment is rejected",
			line:     "// storage_unlock must be called first",
			symbol:   "storage_unlock",
			expected: false,
		},
		{
			name:     "call site is rejected",
			line:     "  if (storage_unlock(pin) != sectrue) {",
			symbol:   "storage_unlock",
			expected: false,
		},
		{
			name:     "continuation of a multiline signature",
			line:     "norcow_init(void) {",
			symbol:   "norcow_init",
			expected: true,
		},
		{
			name:     "definition above the closing brace",
			line:     "} words_button_seq = {",
			symbol:   "words_button_seq",
			expected: true,
		},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, validateDefinitionLine(tc.line, tc.symbol, false))
		})
	}
}

func TestValidateDefinitionLineDeclaration(t *testing.T) {
	line := "secbool storage_unlock(const uint8_t *pin);"
	require.False(t, validateDefinitionLine(line, "storage_unlock", false))
	require.True(t, validateDefinitionLine(line, "storage_unlock", true))
}

func TestCModuleAndFunction(t *testing.T) {
	rt, _ := testCRuntime(t)
	module, function := rt.moduleAndFunction("storage_unlock")
	require.Equal(t, "", module)
	require.Equal(t, "storage_unlock", function)
}

func TestCLocate(t *testing.T) {
	if _, err := os.Stat("/bin/grep"); err != nil {
		if _, err := os.Stat("/usr/bin/grep"); err != nil {
			t.Skip("grep not available")
		}
	}
	rt, _ := testCRuntime(t)

	def := rt.locate(&model.Row{SymbolName: "storage_unlock", FuncName: "storage_unlock"})
	require.Equal(t, "embed/storage.c:9", def)

	def = rt.locate(&model.Row{SymbolName: "storage_magic", FuncName: "storage_magic"})
	require.Equal(t, "embed/storage.c:3", def)

	// mod_trezor* symbols search only the extmod subtree.
	def = rt.locate(&model.Row{SymbolName: "mod_trezorio_poll", FuncName: "mod_trezorio_poll"})
	require.Equal(t, "embed/extmod/modtrezorio/modtrezorio.c:1", def)

	def = rt.locate(&model.Row{SymbolName: "not_defined_anywhere", FuncName: "not_defined_anywhere"})
	require.Equal(t, "", def)
}

func TestCIsData(t *testing.T) {
	rt, _ := testCRuntime(t)

	require.True(t, rt.isData(&model.Row{
		SymbolName:      "storage_magic",
		BuildDefinition: "embed/storage.c:3",
	}))
	require.False(t, rt.isData(&model.Row{
		SymbolName:      "norcow_init",
		BuildDefinition: "embed/storage.c:5",
	}))
	// No definition, no way to tell.
	require.False(t, rt.isData(&model.Row{SymbolName: "storage_magic"}))
}
