package analyzer

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// NodeKind is the closed set of node variants the walk dispatches on.
type NodeKind int

const (
	KindOther NodeKind = iota
	KindImport
	KindImportFrom
	KindCall
	KindAttribute
	KindName
)

func (k NodeKind) String() string {
	switch k {
	case KindImport:
		return "import"
	case KindImportFrom:
		return "import_from"
	case KindCall:
		return "call"
	case KindAttribute:
		return "attribute"
	case KindName:
		return "name"
	default:
		return "other"
	}
}

// Node is the analyzer's own syntax tree, lowered from the tree-sitter CST.
//
//   - KindImport: Modules holds every imported dotted path.
//   - KindImportFrom: Modules holds the source module (empty for a bare
//     relative import) and Level the number of leading dots.
//   - KindCall: Ident is the callee when it is a bare identifier.
//   - KindAttribute: Ident is the accessed attribute name.
//   - KindName: Ident is an identifier in expression position.
type Node struct {
	Kind     NodeKind
	Ident    string
	Modules  []string
	Level    int
	Text     string
	Line     int
	Children []*Node
}

// SyntaxError locates the first unparseable region of the source.
type SyntaxError struct {
	Line   int
	Column int
	Near   string
}

func (e *SyntaxError) Error() string {
	if e.Near == "" {
		return fmt.Sprintf("invalid syntax at line %d, column %d", e.Line, e.Column)
	}
	return fmt.Sprintf("invalid syntax at line %d, column %d near %q", e.Line, e.Column, e.Near)
}

const maxFragment = 200

// Parse builds the lowered tree. A non-nil *SyntaxError means the source
// is malformed; err is reserved for parser failures and cancellation.
func Parse(ctx context.Context, src []byte) (*Node, *SyntaxError, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing source: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, locateError(root, src), nil
	}
	return lower(root, src, "", ""), nil, nil
}

func locateError(n *sitter.Node, src []byte) *SyntaxError {
	if n.Type() == "ERROR" || n.IsMissing() {
		p := n.StartPoint()
		return &SyntaxError{
			Line:   int(p.Row) + 1,
			Column: int(p.Column) + 1,
			Near:   fragment(n.Content(src)),
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c != nil && (c.HasError() || c.IsMissing()) {
			return locateError(c, src)
		}
	}
	p := n.StartPoint()
	return &SyntaxError{Line: int(p.Row) + 1, Column: int(p.Column) + 1}
}

func lower(n *sitter.Node, src []byte, field, parentType string) *Node {
	node := &Node{
		Kind: KindOther,
		Text: n.Content(src),
		Line: int(n.StartPoint().Row) + 1,
	}

	switch n.Type() {
	case "import_statement":
		node.Kind = KindImport
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if m := importedModule(n.NamedChild(i), src); m != "" {
				node.Modules = append(node.Modules, m)
			}
		}
	case "import_from_statement":
		node.Kind = KindImportFrom
		if m := n.ChildByFieldName("module_name"); m != nil {
			node.Modules, node.Level = fromModule(m, src)
		}
	case "future_import_statement":
		node.Kind = KindImportFrom
		node.Modules = []string{"__future__"}
	case "call":
		node.Kind = KindCall
		if f := n.ChildByFieldName("function"); f != nil && f.Type() == "identifier" {
			node.Ident = f.Content(src)
		}
	case "decorator":
		// "@name" calls name with the decorated object.
		if n.NamedChildCount() > 0 && n.NamedChild(0).Type() == "identifier" {
			node.Kind = KindCall
			node.Ident = n.NamedChild(0).Content(src)
		}
	case "exec_statement":
		node.Kind = KindCall
		node.Ident = "exec"
	case "attribute":
		node.Kind = KindAttribute
		if a := n.ChildByFieldName("attribute"); a != nil {
			node.Ident = a.Content(src)
		}
	case "identifier":
		if isReference(field, parentType) {
			node.Kind = KindName
			node.Ident = node.Text
		}
	}

	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil || !c.IsNamed() {
			continue
		}
		node.Children = append(node.Children, lower(c, src, n.FieldNameForChild(i), n.Type()))
	}
	return node
}

func importedModule(n *sitter.Node, src []byte) string {
	switch n.Type() {
	case "dotted_name":
		return n.Content(src)
	case "aliased_import":
		if name := n.ChildByFieldName("name"); name != nil {
			return name.Content(src)
		}
	}
	return ""
}

func fromModule(n *sitter.Node, src []byte) ([]string, int) {
	switch n.Type() {
	case "dotted_name":
		return []string{n.Content(src)}, 0
	case "relative_import":
		var mods []string
		level := 0
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "import_prefix":
				level = strings.Count(c.Content(src), ".")
			case "dotted_name":
				mods = append(mods, c.Content(src))
			}
		}
		return mods, level
	}
	return nil, 0
}

// isReference reports whether an identifier sits in expression position
// rather than naming a definition, parameter, keyword or module path.
func isReference(field, parentType string) bool {
	switch parentType {
	case "dotted_name", "aliased_import", "parameters", "lambda_parameters",
		"typed_parameter", "list_splat_pattern", "dictionary_splat_pattern":
		return false
	case "attribute":
		return field != "attribute"
	case "keyword_argument", "function_definition", "class_definition",
		"default_parameter", "typed_default_parameter":
		return field != "name"
	}
	return true
}

func fragment(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxFragment {
		return s[:maxFragment] + "..."
	}
	return s
}
