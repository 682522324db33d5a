package loader

import (
	"encoding/csv"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/trezor/binsize/pkg/model"
)

// BloatyLoader turns the per-symbol CSV output of bloaty
// (https://github.com/google/bloaty) into rows. Any other profiler works too,
// as long as it is wrapped in something satisfying analyzer.RowLoader.
type BloatyLoader struct {
	logger log.Logger
}

func NewBloatyLoader(logger log.Logger) *BloatyLoader {
	return &BloatyLoader{logger: logger}
}

func (l *BloatyLoader) LoadFile(binFile string, sections []string) ([]*model.Row, error) {
	if _, err := os.Stat(binFile); err != nil {
		return nil, errors.Wrapf(err, "binary %s", binFile)
	}

	cmd := exec.Command("bloaty", "-n", "0", "-d", "sections,symbols", "-s", "vm", "--csv", binFile)
	level.Info(l.logger).Log("msg", "running size profiler", "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "running bloaty")
	}
	return l.LoadCSV(strings.NewReader(string(out)), sections)
}

// LoadCSV parses profiler CSV with a sections,symbols,vmsize,filesize header.
// Column order does not matter; filesize is what occupies the binary and is
// taken as the row size. An empty sections filter keeps everything.
func (l *BloatyLoader) LoadCSV(r io.Reader, sections []string) ([]*model.Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading csv header")
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[name] = i
	}
	for _, required := range []string{"sections", "symbols", "filesize"} {
		if _, ok := columns[required]; !ok {
			return nil, errors.Errorf("csv output misses the %q column", required)
		}
	}

	wanted := make(map[string]struct{}, len(sections))
	for _, s := range sections {
		wanted[s] = struct{}{}
	}

	var rows []*model.Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading csv record")
		}
		section := record[columns["sections"]]
		if len(wanted) > 0 {
			if _, ok := wanted[section]; !ok {
				continue
			}
		}
		size, err := strconv.Atoi(record[columns["filesize"]])
		if err != nil {
			return nil, errors.Wrapf(err, "bad filesize for symbol %q", record[columns["symbols"]])
		}
		rows = append(rows, &model.Row{
			SymbolName: record[columns["symbols"]],
			Section:    section,
			Size:       size,
		})
	}
	return rows, nil
}
