package symbols

import (
	"context"
	"os"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// objectDefinition is one node of a module's definition tree: the module
// itself, a class, or a function, with the classes and functions nested
// directly inside it.
type objectDefinition struct {
	name      string
	functions []*objectDefinition
	classes   []*objectDefinition
	startLine int
}

func (o *objectDefinition) getFunc(name string) *objectDefinition {
	for _, f := range o.functions {
		if f.name == name {
			return f
		}
	}
	return nil
}

func (o *objectDefinition) getClass(name string) *objectDefinition {
	for _, c := range o.classes {
		if c.name == name {
			return c
		}
	}
	return nil
}

// resolveSymbol reassembles an underscore-flattened qualname into the
// dot-separated form, greedily matching the longest class name at each level
// and stopping at the first (most top-level) matching function.
func (o *objectDefinition) resolveSymbol(symbol string) string {
	if o.getFunc(symbol) != nil {
		return symbol + "()"
	}

	parts := strings.Split(symbol, "_")

	for i := len(parts); i > 0; i-- {
		classTry := strings.Join(parts[:i], "_")
		cls := o.getClass(classTry)
		if cls == nil {
			continue
		}
		rest := cls.resolveSymbol(strings.Join(parts[i:], "_"))
		if rest == "" {
			return classTry
		}
		return classTry + "." + rest
	}

	for i := len(parts); i > 0; i-- {
		funcTry := strings.Join(parts[:i], "_")
		if o.getFunc(funcTry) != nil {
			return funcTry + "()"
		}
	}

	return ""
}

// lineNumber walks a dotted name as produced by resolveSymbol and returns the
// line of the final definition.
func (o *objectDefinition) lineNumber(qualName string) (string, bool) {
	current := o
	for _, part := range strings.Split(qualName, ".") {
		if name, ok := strings.CutSuffix(part, "()"); ok {
			current = current.getFunc(name)
		} else {
			current = current.getClass(part)
		}
		if current == nil {
			return "", false
		}
	}
	if current.startLine == 0 {
		return "", false
	}
	return strconv.Itoa(current.startLine), true
}

// fileIndex is the parsed definition tree of one Python source file.
type fileIndex struct {
	root *objectDefinition
}

func (f *fileIndex) resolveSymbol(symbol string) string {
	return f.root.resolveSymbol(symbol)
}

func (f *fileIndex) lineNumber(qualName string) (string, bool) {
	return f.root.lineNumber(qualName)
}

func emptyFileIndex() *fileIndex {
	return &fileIndex{root: &objectDefinition{}}
}

// newFileIndex parses the file and collects its class and function
// definitions recursively.
func newFileIndex(path string) (*fileIndex, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := &objectDefinition{name: path}
	collectDefinitions(tree.RootNode(), content, root)
	return &fileIndex{root: root}, nil
}

func collectDefinitions(node *sitter.Node, content []byte, parent *objectDefinition) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "decorated_definition":
			if def := child.ChildByFieldName("definition"); def != nil {
				addDefinition(def, content, parent)
			}
		case "function_definition", "class_definition":
			addDefinition(child, content, parent)
		}
	}
}

func addDefinition(node *sitter.Node, content []byte, parent *objectDefinition) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	def := &objectDefinition{
		name:      nameNode.Content(content),
		startLine: int(node.StartPoint().Row) + 1,
	}
	if body := node.ChildByFieldName("body"); body != nil {
		collectDefinitions(body, content, def)
	}
	switch node.Type() {
	case "function_definition":
		parent.functions = append(parent.functions, def)
	case "class_definition":
		parent.classes = append(parent.classes, def)
	}
}
