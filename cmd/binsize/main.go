package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/trezor/binsize/pkg/analyzer"
	"github.com/trezor/binsize/pkg/cache"
	"github.com/trezor/binsize/pkg/loader"
	"github.com/trezor/binsize/pkg/mapfile"
	"github.com/trezor/binsize/pkg/model"
	"github.com/trezor/binsize/pkg/report"
	"github.com/trezor/binsize/pkg/symbols"
)

var cfg struct {
	verbose  bool
	rootDir  string
	cacheDir string

	get struct {
		elfFile        string
		mapFile        string
		sections       []string
		output         string
		language       string
		grep           string
		moduleName     string
		funcName       string
		addDefinitions bool
		noAggregation  bool
		noSort         bool
		noProcessing   bool
		debug          bool
		parallelism    int
	}

	tree struct {
		elfFile  string
		mapFile  string
		sections []string
	}

	stats struct {
		elfFile  string
		sections []string
	}

	mapTree struct {
		mapFile string
		section string
		output  string
	}
}

var logger log.Logger = log.NewLogfmtLogger(os.Stderr)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Binary size analysis based on an .elf file. Requires bloaty and nm to run.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("root-dir", "Root directory of the analyzed project.").Short('r').Default(".").StringVar(&cfg.rootDir)
	app.Flag("cache-dir", "Directory for persistent resolution caches.").StringVar(&cfg.cacheDir)

	getCmd := app.Command("get", "Analyze a single binary.")
	getCmd.Arg("elf-file", "The binary to analyze.").Required().ExistingFileVar(&cfg.get.elfFile)
	getCmd.Flag("map-file", "Path to the linker map file.").Short('m').StringVar(&cfg.get.mapFile)
	getCmd.Flag("sections", "Sections to analyze, all when not set.").Short('s').StringsVar(&cfg.get.sections)
	getCmd.Flag("output", "Dump results to a file instead of stdout.").Short('o').StringVar(&cfg.get.output)
	getCmd.Flag("language", "Keep only rows of one language, e.g. Rust.").Short('l').StringVar(&cfg.get.language)
	getCmd.Flag("grep", "Keep only rows containing the string, case-insensitive.").Short('g').StringVar(&cfg.get.grep)
	getCmd.Flag("module-name", "Keep only rows of a specific file/module, shell-style wildcards supported.").Short('M').StringVar(&cfg.get.moduleName)
	getCmd.Flag("func-name", "Keep only rows of a specific function, e.g. get_tx_keys or Bitcoin.sign_tx.").Short('F').StringVar(&cfg.get.funcName)
	getCmd.Flag("add-definitions", "Resolve line definitions for all functions.").Short('d').BoolVar(&cfg.get.addDefinitions)
	getCmd.Flag("no-aggregation", "Do not group symbols together.").Short('G').BoolVar(&cfg.get.noAggregation)
	getCmd.Flag("no-sort", "Do not sort by size.").Short('S').BoolVar(&cfg.get.noSort)
	getCmd.Flag("no-processing", "Show just the raw profiler data.").Short('P').BoolVar(&cfg.get.noProcessing)
	getCmd.Flag("debug", "Append raw symbol names to the report.").BoolVar(&cfg.get.debug)
	getCmd.Flag("parallelism", "How many definition resolutions to run at once.").Default("8").IntVar(&cfg.get.parallelism)

	treeCmd := app.Command("tree", "File-tree view of the binary size.")
	treeCmd.Arg("elf-file", "The binary to analyze.").Required().ExistingFileVar(&cfg.tree.elfFile)
	treeCmd.Flag("map-file", "Path to the linker map file.").Short('m').StringVar(&cfg.tree.mapFile)
	treeCmd.Flag("sections", "Sections to analyze, all when not set.").Short('s').StringsVar(&cfg.tree.sections)

	statsCmd := app.Command("stats", "Per-language size statistics.")
	statsCmd.Arg("elf-file", "The binary to analyze.").Required().ExistingFileVar(&cfg.stats.elfFile)
	statsCmd.Flag("sections", "Sections to analyze, all when not set.").Short('s').StringsVar(&cfg.stats.sections)

	mapTreeCmd := app.Command("map-tree", "Symbol size tree of one linker map section, no binary needed.")
	mapTreeCmd.Arg("map-file", "The linker map file.").Required().ExistingFileVar(&cfg.mapTree.mapFile)
	mapTreeCmd.Flag("section", "The section to show.").Default(".flash").StringVar(&cfg.mapTree.section)
	mapTreeCmd.Flag("output", "Dump results to a file instead of stdout.").Short('o').StringVar(&cfg.mapTree.output)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	ctx := context.Background()
	switch parsedCmd {
	case getCmd.FullCommand():
		os.Exit(checkError(runGet(ctx)))
	case treeCmd.FullCommand():
		os.Exit(checkError(runTree(ctx)))
	case statsCmd.FullCommand():
		os.Exit(checkError(runStats(ctx)))
	case mapTreeCmd.FullCommand():
		os.Exit(checkError(runMapTree()))
	}
}

func checkError(err error) int {
	if err != nil {
		level.Error(logger).Log("err", err)
		return 1
	}
	return 0
}

// pipeline bundles the analyzer with the caches that have to be flushed when
// the run is over.
type pipeline struct {
	bs         *analyzer.BinarySize
	defs       *cache.SourceDefinitions
	dispatcher *symbols.Dispatcher
}

func newPipeline() (*pipeline, error) {
	cacheDir := cfg.cacheDir
	if cacheDir == "" {
		userCache, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		cacheDir = filepath.Join(userCache, "binsize")
	}

	defs := cache.NewSourceDefinitions(logger, cfg.rootDir, filepath.Join(cacheDir, "definitions.json"))

	dispatcher, err := symbols.NewDispatcher(logger, symbols.Config{
		ProjectRoot:    cfg.rootDir,
		IsDataMemoPath: filepath.Join(cacheDir, "is_data.json"),
	}, defs, symbols.NewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return nil, err
	}

	bs := analyzer.New(
		logger,
		loader.NewBloatyLoader(logger),
		loader.NewNmLoader(logger, cfg.rootDir),
		func(row *model.Row) analyzer.Handler { return dispatcher.Handler(row) },
	)
	return &pipeline{bs: bs, defs: defs, dispatcher: dispatcher}, nil
}

func (p *pipeline) close() {
	if err := p.defs.Close(); err != nil {
		level.Warn(logger).Log("msg", "could not flush definitions cache", "err", err)
	}
	if err := p.dispatcher.Close(); err != nil {
		level.Warn(logger).Log("msg", "could not flush handler caches", "err", err)
	}
}

func runGet(ctx context.Context) error {
	p, err := newPipeline()
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.bs.LoadFile(cfg.get.elfFile, cfg.get.sections); err != nil {
		return err
	}
	if cfg.get.noProcessing {
		return show(p.bs, cfg.get.output, cfg.get.debug)
	}

	if cfg.get.mapFile != "" && len(cfg.get.sections) > 0 {
		includer := mapfile.NewReconciler(logger)
		if err := p.bs.UseMapFile(includer, cfg.get.mapFile, cfg.get.sections); err != nil {
			return err
		}
	}

	p.bs.AddBasicInfo()
	if !cfg.get.noAggregation {
		p.bs.Aggregate()
	}
	if !cfg.get.noSort {
		p.bs.Sort()
	}

	if cfg.get.language != "" {
		p.bs.Filter(func(row *model.Row) bool { return row.Language == cfg.get.language })
	}
	if cfg.get.moduleName != "" {
		p.bs.Filter(func(row *model.Row) bool {
			ok, _ := path.Match(cfg.get.moduleName, row.ModuleName)
			return ok
		})
	}
	if cfg.get.funcName != "" {
		p.bs.Filter(func(row *model.Row) bool { return funcNameMatches(row.FuncName, cfg.get.funcName) })
	}
	if cfg.get.grep != "" {
		needle := strings.ToLower(cfg.get.grep)
		p.bs.Filter(func(row *model.Row) bool {
			return strings.Contains(strings.ToLower(row.Format(true)), needle)
		})
	}

	if cfg.get.addDefinitions {
		if err := p.bs.AddDefinitions(ctx, nil, cfg.get.parallelism); err != nil {
			return err
		}
	}

	return show(p.bs, cfg.get.output, cfg.get.debug)
}

// funcNameMatches compares without the () suffix. A dotted query must match
// the whole qualified name, a bare one matches the function regardless of the
// owning class.
func funcNameMatches(rowFunc, query string) bool {
	name := strings.TrimSuffix(rowFunc, "()")
	if strings.Contains(query, ".") {
		return name == query
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name == query
}

func runTree(ctx context.Context) error {
	p, err := newPipeline()
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.bs.LoadFile(cfg.tree.elfFile, cfg.tree.sections); err != nil {
		return err
	}
	if cfg.tree.mapFile != "" && len(cfg.tree.sections) > 0 {
		includer := mapfile.NewReconciler(logger)
		if err := p.bs.UseMapFile(includer, cfg.tree.mapFile, cfg.tree.sections); err != nil {
			return err
		}
	}
	p.bs.AddBasicInfo()
	p.bs.Aggregate()
	if err := p.bs.AddDefinitions(ctx, nil, 8); err != nil {
		return err
	}

	return report.BuildFileTree(p.bs.Rows()).Render(os.Stdout)
}

func runStats(ctx context.Context) error {
	p, err := newPipeline()
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.bs.LoadFile(cfg.stats.elfFile, cfg.stats.sections); err != nil {
		return err
	}
	p.bs.AddBasicInfo()
	p.bs.Aggregate()

	report.RenderStats(os.Stdout, report.Categorize(p.bs.Rows(), report.LanguageCategorizer, true))
	return nil
}

func runMapTree() error {
	data, err := mapfile.ParseSection(cfg.mapTree.mapFile, cfg.mapTree.section)
	if err != nil {
		return err
	}
	return writeOutput(cfg.mapTree.output, func(w io.Writer) error {
		_, err := fmt.Fprint(w, data.Tree())
		return err
	})
}

func show(bs *analyzer.BinarySize, output string, debug bool) error {
	return writeOutput(output, func(w io.Writer) error {
		return bs.Show(w, debug, output != "")
	})
}

func writeOutput(output string, write func(w io.Writer) error) error {
	if output == "" {
		return write(os.Stdout)
	}
	level.Info(logger).Log("msg", "saving report", "path", output)
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
