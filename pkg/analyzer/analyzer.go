package analyzer

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/trezor/binsize/pkg/model"
)

// RowLoader produces raw rows from a size profiler, either by running it on
// the binary or by parsing its saved CSV output.
type RowLoader interface {
	LoadFile(binFile string, sections []string) ([]*model.Row, error)
	LoadCSV(r io.Reader, sections []string) ([]*model.Row, error)
}

// BuildDefinitionLoader recovers symbol -> file:line mappings from the
// binary's debug info.
type BuildDefinitionLoader interface {
	Load(binFile string) error
	Definition(symbol string) (string, bool)
}

// Handler classifies a row and resolves its source definition.
type Handler interface {
	Classify(row *model.Row)
	Resolve(row *model.Row)
}

// HandlerFactory picks the handler for a row, typically by dispatching on the
// symbol name.
type HandlerFactory func(row *model.Row) Handler

// MapIncluder reconciles the rows against a linker map file.
type MapIncluder interface {
	AddInfo(rows []*model.Row, mapFile string, sections []string) ([]*model.Row, error)
}

// BinarySize assembles the whole attribution pipeline around one row list.
// The usual order is load, map-file reconciliation, basic info, aggregation,
// definitions, sort, show; the steps warn when called in an order that works
// but wastes time or desyncs the data.
type BinarySize struct {
	logger    log.Logger
	loader    RowLoader
	buildDefs BuildDefinitionLoader // may be nil
	factory   HandlerFactory

	rows []*model.Row

	calledAggregate    bool
	calledAddBasicInfo bool
}

func New(logger log.Logger, loader RowLoader, buildDefs BuildDefinitionLoader, factory HandlerFactory) *BinarySize {
	return &BinarySize{
		logger:    logger,
		loader:    loader,
		buildDefs: buildDefs,
		factory:   factory,
	}
}

// LoadFile profiles the binary and, when a build definition loader is
// present, annotates the rows with the binary's debug info.
func (b *BinarySize) LoadFile(binFile string, sections []string) error {
	rows, err := b.loader.LoadFile(binFile, sections)
	if err != nil {
		return err
	}
	b.rows = rows
	if b.buildDefs == nil {
		return nil
	}
	if err := b.buildDefs.Load(binFile); err != nil {
		return err
	}
	for _, row := range b.rows {
		if def, ok := b.buildDefs.Definition(row.SymbolName); ok {
			row.BuildDefinition = def
		}
	}
	return nil
}

// LoadCSV parses previously saved profiler output. No binary means no build
// definitions.
func (b *BinarySize) LoadCSV(r io.Reader, sections []string) error {
	rows, err := b.loader.LoadCSV(r, sections)
	if err != nil {
		return err
	}
	b.rows = rows
	return nil
}

// LoadRows adopts rows produced elsewhere.
func (b *BinarySize) LoadRows(rows []*model.Row) {
	b.rows = rows
}

// AddBasicInfo classifies every row: language, module, function and the
// logic/data split.
func (b *BinarySize) AddBasicInfo() {
	level.Info(b.logger).Log("msg", "adding basic info, resolving module and function names")
	for _, row := range b.rows {
		b.factory(row).Classify(row)
	}
	b.calledAddBasicInfo = true
}

// Aggregate merges rows with the same identity into one, summing their sizes
// and symbol counts. First-appearance order is kept, so aggregation is
// deterministic and repeatable.
func (b *BinarySize) Aggregate() {
	level.Info(b.logger).Log("msg", "aggregating data, grouping common symbols together")
	b.rows = aggregateRows(b.rows)
	b.calledAggregate = true
}

// AddDefinitions resolves the source definition of every row matching cond
// (nil means all), running up to parallelism resolutions at once. Searches
// dominate the wall time here; resolving before aggregating does the same
// work once per raw symbol instead of once per group.
func (b *BinarySize) AddDefinitions(ctx context.Context, cond func(*model.Row) bool, parallelism int) error {
	level.Info(b.logger).Log("msg", "adding definitions, this can take long when not cached")
	if !b.calledAggregate {
		level.Warn(b.logger).Log("msg", "consider calling Aggregate before AddDefinitions, it will be much quicker")
	}
	if parallelism < 1 {
		parallelism = 1
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, row := range b.rows {
		if cond != nil && !cond(row) {
			continue
		}
		row := row
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b.factory(row).Resolve(row)
			return nil
		})
	}
	return g.Wait()
}

// UseMapFile appends rows for symbols only the linker map knows about and
// shrinks the synthetic section rows accordingly.
func (b *BinarySize) UseMapFile(includer MapIncluder, mapFile string, sections []string) error {
	level.Info(b.logger).Log("msg", "including data from map file", "map_file", mapFile)
	if b.calledAggregate || b.calledAddBasicInfo {
		level.Warn(b.logger).Log("msg", "consider calling AddBasicInfo and Aggregate again after UseMapFile to sync old and new rows")
	}
	rows, err := includer.AddInfo(b.rows, mapFile, sections)
	if err != nil {
		return err
	}
	b.rows = rows
	return nil
}

// Filter keeps only the rows the predicate accepts.
func (b *BinarySize) Filter(keep func(*model.Row) bool) {
	b.rows = lo.Filter(b.rows, func(row *model.Row, _ int) bool {
		return keep(row)
	})
}

// Sort orders the rows by size, biggest first. SortFunc accepts any order.
func (b *BinarySize) Sort() {
	b.SortFunc(func(a, c *model.Row) bool { return a.Size > c.Size })
}

func (b *BinarySize) SortFunc(less func(a, b *model.Row) bool) {
	sort.SliceStable(b.rows, func(i, j int) bool {
		return less(b.rows[i], b.rows[j])
	})
}

func (b *BinarySize) Rows() []*model.Row { return b.rows }

func (b *BinarySize) Len() int { return len(b.rows) }

func (b *BinarySize) TotalSize() int {
	return lo.SumBy(b.rows, func(row *model.Row) int { return row.Size })
}

func (b *BinarySize) logicSize() int {
	return lo.SumBy(b.rows, func(row *model.Row) int { return row.LogicSize })
}

func (b *BinarySize) dataSize() int {
	return lo.SumBy(b.rows, func(row *model.Row) int { return row.DataSize })
}

// Show writes the row report to w. The summary goes on top when writing a
// file and to the bottom for a terminal, where the end is what stays visible.
func (b *BinarySize) Show(w io.Writer, debug, toFile bool) error {
	summary := b.summary()
	lines := make([]string, 0, len(b.rows)+1)
	if toFile {
		lines = append(lines, summary)
	}
	for _, row := range b.rows {
		lines = append(lines, row.Format(debug))
	}
	if !toFile {
		lines = append(lines, summary)
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func (b *BinarySize) summary() string {
	return fmt.Sprintf("SUMMARY: %d rows, %d bytes in total (L%d D%d).",
		b.Len(), b.TotalSize(), b.logicSize(), b.dataSize())
}
