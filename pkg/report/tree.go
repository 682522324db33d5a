package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/trezor/binsize/pkg/model"
)

// fileTree groups attributed sizes by source file and directory. Files with
// no attribution at all end up under the empty name at the root.
type fileTree struct {
	dirs  map[string]*fileTree
	files map[string]int
}

func newFileTree() *fileTree {
	return &fileTree{
		dirs:  map[string]*fileTree{},
		files: map[string]int{},
	}
}

// rowFile is the source file a row is attributed to: the decoded module when
// there is one, otherwise the resolved definition without its line number.
func rowFile(row *model.Row) string {
	if row.ModuleName != "" {
		return row.ModuleName
	}
	file, _, _ := strings.Cut(row.SourceDefinition, ":")
	return file
}

// BuildFileTree sums row sizes per file and arranges the files into their
// directory hierarchy.
func BuildFileTree(rows []*model.Row) *fileTree {
	sizes := map[string]int{}
	for _, row := range rows {
		sizes[rowFile(row)] += row.Size
	}

	root := newFileTree()
	for file, size := range sizes {
		root.attach(file, size)
	}
	return root
}

func (t *fileTree) attach(path string, size int) {
	dir, rest, ok := strings.Cut(path, "/")
	if !ok {
		t.files[path] += size
		return
	}
	sub, present := t.dirs[dir]
	if !present {
		sub = newFileTree()
		t.dirs[dir] = sub
	}
	sub.attach(rest, size)
}

func (t *fileTree) totalSize() int {
	size := 0
	for _, s := range t.files {
		size += s
	}
	for _, sub := range t.dirs {
		size += sub.totalSize()
	}
	return size
}

// Render prints the tree with directories alphabetical and files inside each
// directory biggest first.
func (t *fileTree) Render(w io.Writer) error {
	return t.render(w, 0)
}

func (t *fileTree) render(w io.Writer, indent int) error {
	pad := strings.Repeat("    ", indent)

	names := make([]string, 0, len(t.files))
	for name := range t.files {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if t.files[names[i]] != t.files[names[j]] {
			return t.files[names[i]] > t.files[names[j]]
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s%s %s\n", pad, humanize.Comma(int64(t.files[name])), name); err != nil {
			return err
		}
	}

	dirs := make([]string, 0, len(t.dirs))
	for name := range t.dirs {
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)
	for _, name := range dirs {
		sub := t.dirs[name]
		if _, err := fmt.Fprintf(w, "%s%s %s\n", pad, humanize.Comma(int64(sub.totalSize())), name); err != nil {
			return err
		}
		if err := sub.render(w, indent+1); err != nil {
			return err
		}
	}
	return nil
}
