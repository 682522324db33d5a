package analyzer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/trezor/binsize/pkg/model"
)

// stubHandler classifies everything as C logic and resolves from a fixed map.
type stubHandler struct {
	mu          *sync.Mutex
	definitions map[string]string
	resolved    *[]string
}

func (h stubHandler) Classify(row *model.Row) {
	row.Language = "C"
	row.FuncName = row.SymbolName
	row.LogicSize = row.Size
}

func (h stubHandler) Resolve(row *model.Row) {
	h.mu.Lock()
	*h.resolved = append(*h.resolved, row.SymbolName)
	h.mu.Unlock()
	row.SourceDefinition = h.definitions[row.SymbolName]
}

func testBinarySize(definitions map[string]string) (*BinarySize, *[]string) {
	resolved := &[]string{}
	handler := stubHandler{mu: &sync.Mutex{}, definitions: definitions, resolved: resolved}
	factory := func(*model.Row) Handler { return handler }
	return New(log.NewNopLogger(), nil, nil, factory), resolved
}

func TestPipeline(t *testing.T) {
	bs, resolved := testBinarySize(map[string]string{
		"storage_init": "embed/storage.c:5",
	})
	bs.LoadRows([]*model.Row{
		{Section: ".flash", SymbolName: "storage_init", Size: 10},
		{Section: ".flash", SymbolName: "storage_init", Size: 4},
		{Section: ".flash", SymbolName: "display_refresh", Size: 30},
	})

	bs.AddBasicInfo()
	bs.Aggregate()
	bs.Sort()
	require.NoError(t, bs.AddDefinitions(context.Background(), nil, 4))

	rows := bs.Rows()
	require.Len(t, rows, 2)
	// Sorted biggest first.
	require.Equal(t, "display_refresh", rows[0].SymbolName)
	require.Equal(t, 30, rows[0].Size)
	require.Equal(t, "storage_init", rows[1].SymbolName)
	require.Equal(t, 14, rows[1].Size)
	require.Equal(t, 2, rows[1].SymbolCount)
	require.Equal(t, "embed/storage.c:5", rows[1].SourceDefinition)

	require.Equal(t, 44, bs.TotalSize())
	require.Len(t, *resolved, 2)
}

func TestAddDefinitionsCondition(t *testing.T) {
	bs, resolved := testBinarySize(nil)
	bs.LoadRows([]*model.Row{
		{Section: ".flash", SymbolName: "wanted", Size: 1},
		{Section: ".flash", SymbolName: "skipped", Size: 1},
	})

	cond := func(row *model.Row) bool { return row.SymbolName == "wanted" }
	require.NoError(t, bs.AddDefinitions(context.Background(), cond, 1))
	require.Equal(t, []string{"wanted"}, *resolved)
}

func TestFilter(t *testing.T) {
	bs, _ := testBinarySize(nil)
	bs.LoadRows([]*model.Row{
		{Section: ".flash", SymbolName: "a", Language: "Rust", Size: 1},
		{Section: ".flash", SymbolName: "b", Language: "C", Size: 2},
	})
	bs.Filter(func(row *model.Row) bool { return row.Language == "Rust" })
	require.Len(t, bs.Rows(), 1)
	require.Equal(t, "a", bs.Rows()[0].SymbolName)
}

func TestShowSummaryPlacement(t *testing.T) {
	bs, _ := testBinarySize(nil)
	bs.LoadRows([]*model.Row{
		{Section: ".flash", SymbolName: "a", Size: 3, LogicSize: 1, DataSize: 2},
	})

	var terminal bytes.Buffer
	require.NoError(t, bs.Show(&terminal, false, false))
	lines := nonEmptyLines(&terminal)
	require.True(t, strings.HasPrefix(lines[len(lines)-1], "SUMMARY:"), "summary last for terminal")
	require.Contains(t, lines[len(lines)-1], "1 rows, 3 bytes in total (L1 D2).")

	var file bytes.Buffer
	require.NoError(t, bs.Show(&file, false, true))
	lines = nonEmptyLines(&file)
	require.True(t, strings.HasPrefix(lines[0], "SUMMARY:"), "summary first for files")
}

func nonEmptyLines(r io.Reader) []string {
	data, _ := io.ReadAll(r)
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
