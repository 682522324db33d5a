package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/trezor/binsize/pkg/model"
)

const basePy = `from trezor import wire


def busy_expiry():
    return 0


class Workflow:
    def on_start(self):
        pass

    def on_close(self):
        pass


def get_features():
    return 1
`

func testMpyRuntime(t *testing.T) (*mpyRuntime, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src/apps/bitcoin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src/apps/base.py"), []byte(basePy), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src/apps/bitcoin/__init__.py"), []byte("def boot():\n    pass\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src/apps/bitcoin/sign_tx.py"), []byte("def sign_tx():\n    pass\n"), 0o644))

	cfg := Config{ProjectRoot: root}
	cfg.setDefaults()
	return newMpyRuntime(log.NewNopLogger(), &cfg), root
}

func TestMpyModuleAndFunction(t *testing.T) {
	rt, _ := testMpyRuntime(t)

	testcases := []struct {
		symbol   string
		module   string
		function string
	}{
		{
			symbol:   "fun_data_apps_base_get_features",
			module:   "src/apps/base.py",
			function: "get_features()",
		},
		{
			// Occurrence counter at the end is noise.
			symbol:   "fun_data_apps_base_get_features_5",
			module:   "src/apps/base.py",
			function: "get_features()",
		},
		{
			// Method resolves through its class.
			symbol:   "fun_data_apps_base_Workflow_on_start",
			module:   "src/apps/base.py",
			function: "Workflow.on_start()",
		},
		{
			// Underscore inside a module file name.
			symbol:   "fun_data_apps_bitcoin_sign_tx_sign_tx",
			module:   "src/apps/bitcoin/sign_tx.py",
			function: "sign_tx()",
		},
		{
			// Module object without a function.
			symbol:   "const_obj_apps_base__lt_module_gt_",
			module:   "src/apps/base.py",
			function: "",
		},
	}
	for _, tc := range testcases {
		module, function := rt.moduleAndFunction(tc.symbol)
		require.Equal(t, tc.module, module, tc.symbol)
		require.Equal(t, tc.function, function, tc.symbol)
	}
}

func TestMpyUnknownModule(t *testing.T) {
	rt, _ := testMpyRuntime(t)

	module, function := rt.moduleAndFunction("fun_data_apps_nonexistent_fn")
	require.True(t, len(module) > 0)
	require.Contains(t, module, InvalidFilePrefix)
	require.Equal(t, "fn", function)
}

func TestMpyNumberSuffixExceptions(t *testing.T) {
	rt, _ := testMpyRuntime(t)

	// Ends with a known real _NN suffix, nothing is stripped; the module does
	// not exist so the name survives into the invalid module path.
	module, _ := rt.moduleAndFunction("fun_data_apps_common_sha256d_32")
	require.Contains(t, module, "sha256d")
}

func TestMpyIsData(t *testing.T) {
	rt, _ := testMpyRuntime(t)
	require.True(t, rt.isData(&model.Row{SymbolName: "const_obj_apps_base_0"}))
	require.False(t, rt.isData(&model.Row{SymbolName: "fun_data_apps_base_get_features"}))
	require.False(t, rt.isData(&model.Row{SymbolName: "const_table_data_apps_base_get_features"}))
}

func TestMpyLocate(t *testing.T) {
	rt, _ := testMpyRuntime(t)

	// get_features is defined on line 16 of basePy.
	def := rt.locate(&model.Row{
		ModuleName: "src/apps/base.py",
		FuncName:   "get_features()",
	})
	require.Equal(t, "src/apps/base.py:16", def)

	// Method line goes through the class.
	def = rt.locate(&model.Row{
		ModuleName: "src/apps/base.py",
		FuncName:   "Workflow.on_start()",
	})
	require.Equal(t, "src/apps/base.py:9", def)

	// Module-only rows resolve to the module itself.
	def = rt.locate(&model.Row{ModuleName: "src/apps/base.py"})
	require.Equal(t, "src/apps/base.py", def)

	// Invalid modules resolve to nothing.
	def = rt.locate(&model.Row{
		ModuleName: InvalidFilePrefix + "apps_nonexistent",
		FuncName:   "fn",
	})
	require.Equal(t, "", def)
}

func TestPyIndex(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "module.py")
	require.NoError(t, os.WriteFile(path, []byte(basePy), 0o644))

	idx, err := newFileIndex(path)
	require.NoError(t, err)

	require.Equal(t, "get_features()", idx.resolveSymbol("get_features"))
	require.Equal(t, "Workflow.on_close()", idx.resolveSymbol("Workflow_on_close"))
	// The class alone is a valid resolution.
	require.Equal(t, "Workflow", idx.resolveSymbol("Workflow"))
	require.Equal(t, "", idx.resolveSymbol("not_defined_anywhere"))

	line, ok := idx.lineNumber("busy_expiry()")
	require.True(t, ok)
	require.Equal(t, "4", line)

	line, ok = idx.lineNumber("Workflow.on_close()")
	require.True(t, ok)
	require.Equal(t, "12", line)

	_, ok = idx.lineNumber("missing()")
	require.False(t, ok)
}
