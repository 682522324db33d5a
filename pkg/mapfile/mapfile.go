package mapfile

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Entry is one placement of a map item: an address, a size and whatever
// comment the linker printed after them (usually the object file).
type Entry struct {
	Address uint64
	Size    int
	Comment string
}

// Item is one named item of a linker-map section with all its entries. Items
// can repeat in the map; all entries of one name are collected together.
type Item struct {
	Name    string
	Entries []Entry
}

func (i *Item) TotalSize() int {
	total := 0
	for _, e := range i.Entries {
		total += e.Size
	}
	return total
}

// SectionData holds the items of one linker-map section, preserving the order
// in which their names first appeared.
type SectionData struct {
	names []string
	items map[string]*Item
}

func (s *SectionData) Names() []string { return s.names }

func (s *SectionData) Item(name string) *Item { return s.items[name] }

func (s *SectionData) item(name string) *Item {
	if it, ok := s.items[name]; ok {
		return it
	}
	it := &Item{Name: name}
	s.items[name] = it
	s.names = append(s.names, name)
	return it
}

// legacyMangleReplacer undoes the few $XY$ escapes that appear in linker-map
// symbol names, so they read the same way the size profiler reports them.
var legacyMangleReplacer = strings.NewReplacer(
	"$LT$", "<",
	"$GT$", ">",
	"$u20$", " ",
	"$RF$", "&",
	"..", "::",
)

// ParseSection reads one section out of a GNU ld map file. The section starts
// at the line beginning with its name and ends at the next top-level section
// (a line starting with a dot). Item lines carry the name; continuation lines
// carry hex address, optional hex size and a trailing comment.
func ParseSection(path, section string) (*SectionData, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading map file")
	}
	lines := strings.Split(string(content), "\n")

	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, section+" ") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, errors.Errorf("section %q not found in %s", section, path)
	}

	data := &SectionData{items: map[string]*Item{}}
	var current *Item
	for _, line := range lines[start:] {
		if strings.HasPrefix(line, ".") { // another section starting
			break
		}
		fields := strings.Fields(line)
		if len(fields) > 0 && !strings.HasPrefix(fields[0], "0x") {
			current = data.item(legacyMangleReplacer.Replace(fields[0]))
			fields = fields[1:]
		}
		if len(fields) == 0 || current == nil {
			continue
		}
		address, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		if err != nil {
			continue
		}
		entry := Entry{Address: address}
		if len(fields) > 1 && strings.HasPrefix(fields[1], "0x") {
			size, err := strconv.ParseInt(strings.TrimPrefix(fields[1], "0x"), 16, 64)
			if err != nil {
				continue
			}
			entry.Size = int(size)
			entry.Comment = strings.Join(fields[2:], " ")
		} else {
			entry.Comment = strings.Join(fields[1:], " ")
		}
		current.Entries = append(current.Entries, entry)
	}

	return data, nil
}

// SymbolSizes flattens the section into symbol -> total size, stripping the
// subsection prefix from names like .text.some_symbol. Items with fewer than
// two dots are bare subsections without a symbol and keep their name.
func (s *SectionData) SymbolSizes() (map[string]int, []string) {
	sizes := make(map[string]int, len(s.names))
	order := make([]string, 0, len(s.names))
	for _, name := range s.names {
		size := s.items[name].TotalSize()
		symbol := name
		if strings.Count(name, ".") >= 2 {
			stripped := strings.TrimLeft(name, ".")
			if _, rest, ok := strings.Cut(stripped, "."); ok {
				symbol = rest
			}
		}
		if _, seen := sizes[symbol]; !seen {
			order = append(order, symbol)
		}
		sizes[symbol] = size
	}
	return sizes, order
}

// itemTree is a per-character trie over item names, pruned so that no chain
// of single-child nodes remains. Leaves hold the items themselves.
type itemTree struct {
	children map[string]*itemTree
	item     *Item
}

// Tree renders the section as an indented size tree, grouping items by their
// longest common name prefixes. Useful for eyeballing where a section's bytes
// come from without any symbol attribution at all.
func (s *SectionData) Tree() string {
	root := &itemTree{children: map[string]*itemTree{}}
	for _, name := range s.names {
		node := root
		for _, char := range name {
			key := string(char)
			child, ok := node.children[key]
			if !ok {
				child = &itemTree{children: map[string]*itemTree{}}
				node.children[key] = child
			}
			node = child
		}
		node.children[""] = &itemTree{item: s.items[name]}
	}

	var b strings.Builder
	prunedTree(root).render(&b, "", "")
	return b.String()
}

func prunedTree(tree *itemTree) *itemTree {
	out := &itemTree{children: map[string]*itemTree{}}
	for key, subtree := range tree.children {
		for subtree.item == nil && len(subtree.children) == 1 {
			for k, only := range subtree.children {
				key += k
				subtree = only
			}
		}
		if subtree.item == nil {
			subtree = prunedTree(subtree)
		}
		out.children[key] = subtree
	}
	return out
}

func (t *itemTree) totalSize() int {
	if t.item != nil {
		return t.item.TotalSize()
	}
	total := 0
	for _, child := range t.children {
		total += child.totalSize()
	}
	return total
}

func (t *itemTree) render(b *strings.Builder, namePrefix, indent string) {
	keys := make([]string, 0, len(t.children))
	for key := range t.children {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		child := t.children[key]
		if child.item != nil {
			b.WriteString(indent + "*" + child.item.Name + ": " +
				strconv.Itoa(child.item.TotalSize()) + "\n")
			continue
		}
		name := namePrefix + key
		size := child.totalSize()
		b.WriteString(indent + name + ": " + strconv.Itoa(size) + "\n")
		if size > 0 {
			child.render(b, name, indent+"    ")
		}
	}
}
