// Package python lowers tree-sitter Python parse trees onto the uniform
// tree the analysis engine consumes. The lowering is lossy on purpose:
// constructs without a uniform kind become unknown nodes with their
// children preserved, so taint still travels through them.
package python

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

// Parser is the Python front end. Each Parse call builds its own
// tree-sitter parser, so one Parser is safe for concurrent use.
type Parser struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger.Named("python")}
}

// Language reports the rule table this front end feeds.
func (p *Parser) Language() schemas.Language { return schemas.LangPython }

// Extensions lists the file suffixes this front end claims.
func (p *Parser) Extensions() []string { return []string{".py"} }

// Parse lowers source into a uniform tree. Files with syntax errors still
// produce a document; the regions tree-sitter recovered stay analyzable.
func (p *Parser) Parse(ctx context.Context, path string, source []byte) (*schemas.FileAST, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		p.logger.Warn("syntax errors in file, lowering what parsed", zap.String("path", path))
	}

	l := &lowerer{src: source}
	sum := sha256.Sum256(source)
	return &schemas.FileAST{
		Path:        path,
		Language:    schemas.LangPython,
		ContentHash: hex.EncodeToString(sum[:]),
		Root:        l.module(root),
	}, nil
}

type lowerer struct {
	src []byte
}

func (l *lowerer) text(n *sitter.Node) string {
	return n.Content(l.src)
}

func span(n *sitter.Node) schemas.Span {
	return schemas.Span{
		StartLine: int(n.StartPoint().Row) + 1,
		StartCol:  int(n.StartPoint().Column) + 1,
		EndLine:   int(n.EndPoint().Row) + 1,
		EndCol:    int(n.EndPoint().Column) + 1,
	}
}

func make1(kind schemas.NodeKind, n *sitter.Node, text string, children ...*schemas.Node) *schemas.Node {
	return &schemas.Node{Kind: kind, Span: span(n), Text: text, Children: children}
}

func (l *lowerer) module(root *sitter.Node) *schemas.Node {
	out := make1(schemas.KindModule, root, "")
	out.Children = l.stmts(root)
	return out
}

// stmts lowers the named children of a statement container, dropping
// comments and statements with no data flow.
func (l *lowerer) stmts(n *sitter.Node) []*schemas.Node {
	var out []*schemas.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if st := l.stmt(n.NamedChild(i)); st != nil {
			out = append(out, st)
		}
	}
	return out
}

func (l *lowerer) block(n *sitter.Node) *schemas.Node {
	if n == nil {
		return &schemas.Node{Kind: schemas.KindBlock}
	}
	out := make1(schemas.KindBlock, n, "")
	out.Children = l.stmts(n)
	return out
}

func (l *lowerer) stmt(n *sitter.Node) *schemas.Node {
	switch n.Type() {
	case "comment", "pass_statement", "break_statement", "continue_statement",
		"global_statement", "nonlocal_statement":
		return nil

	case "ERROR":
		// recovered fragments are still statements more often than not
		out := make1(schemas.KindUnknown, n, "")
		out.Children = l.stmts(n)
		return out

	case "expression_statement":
		// assignments arrive wrapped in an expression statement; anything
		// else in statement position is a plain expression (a bare call,
		// most importantly) and must lower as one
		lower := func(c *sitter.Node) *schemas.Node {
			switch c.Type() {
			case "assignment", "augmented_assignment":
				return l.stmt(c)
			}
			return l.expr(c)
		}
		if n.NamedChildCount() == 1 {
			return lower(n.NamedChild(0))
		}
		out := make1(schemas.KindUnknown, n, "")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			out.Children = append(out.Children, lower(n.NamedChild(i)))
		}
		return out

	case "assignment":
		left := n.ChildByFieldName("left")
		right := n.ChildByFieldName("right")
		if right == nil {
			// bare annotation (x: int) binds nothing
			return nil
		}
		return make1(schemas.KindAssign, n, "", l.expr(left), l.expr(right))

	case "augmented_assignment":
		// x += y reads and writes x
		left := n.ChildByFieldName("left")
		right := n.ChildByFieldName("right")
		rhs := make1(schemas.KindBinary, n, "", l.expr(left), l.expr(right))
		return make1(schemas.KindAssign, n, "", l.expr(left), rhs)

	case "function_definition":
		return l.function(n)

	case "decorated_definition":
		if def := n.ChildByFieldName("definition"); def != nil {
			return l.stmt(def)
		}
		return nil

	case "class_definition":
		// classes are not modeled; methods surface as plain functions
		out := make1(schemas.KindUnknown, n, "")
		out.Children = []*schemas.Node{l.block(n.ChildByFieldName("body"))}
		return out

	case "if_statement":
		return l.conditional(n)

	case "for_statement":
		// the iteration binding is an assignment from the iterable
		bind := make1(schemas.KindAssign, n, "",
			l.expr(n.ChildByFieldName("left")), l.expr(n.ChildByFieldName("right")))
		return make1(schemas.KindLoop, n, "", bind, l.block(n.ChildByFieldName("body")))

	case "while_statement":
		return make1(schemas.KindLoop, n, "",
			l.expr(n.ChildByFieldName("condition")), l.block(n.ChildByFieldName("body")))

	case "return_statement":
		out := make1(schemas.KindReturn, n, "")
		if n.NamedChildCount() > 0 {
			out.Children = []*schemas.Node{l.expr(n.NamedChild(0))}
		}
		return out

	case "import_statement":
		return l.plainImport(n)

	case "import_from_statement":
		return l.fromImport(n)

	case "try_statement":
		out := make1(schemas.KindUnknown, n, "")
		out.Children = append(out.Children, l.block(n.ChildByFieldName("body")))
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "except_clause", "else_clause", "finally_clause":
				for j := 0; j < int(c.NamedChildCount()); j++ {
					if c.NamedChild(j).Type() == "block" {
						out.Children = append(out.Children, l.block(c.NamedChild(j)))
					}
				}
			}
		}
		return out

	case "with_statement":
		out := make1(schemas.KindUnknown, n, "")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c.Type() == "with_clause" {
				for j := 0; j < int(c.NamedChildCount()); j++ {
					if item := l.withItem(c.NamedChild(j)); item != nil {
						out.Children = append(out.Children, item)
					}
				}
			}
		}
		out.Children = append(out.Children, l.block(n.ChildByFieldName("body")))
		return out

	case "match_statement":
		out := make1(schemas.KindUnknown, n, "")
		if subject := n.ChildByFieldName("subject"); subject != nil {
			out.Children = append(out.Children, l.expr(subject))
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c.Type() != "case_clause" {
				continue
			}
			if body := c.ChildByFieldName("consequence"); body != nil {
				out.Children = append(out.Children, l.block(body))
			}
		}
		return out

	default:
		// raise, assert, delete and future statements: keep the
		// expressions and nested blocks visible
		out := make1(schemas.KindUnknown, n, "")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c.Type() == "comment" {
				continue
			}
			if c.Type() == "block" {
				out.Children = append(out.Children, l.block(c))
			} else {
				out.Children = append(out.Children, l.expr(c))
			}
		}
		return out
	}
}

// withItem lowers one "expr as alias" clause into an assignment so the
// alias carries the context expression's labels.
func (l *lowerer) withItem(item *sitter.Node) *schemas.Node {
	if item == nil || item.Type() != "with_item" {
		return nil
	}
	value := item.ChildByFieldName("value")
	if value == nil && item.NamedChildCount() > 0 {
		value = item.NamedChild(0)
	}
	if value == nil {
		return nil
	}
	if alias := item.ChildByFieldName("alias"); alias != nil {
		return make1(schemas.KindAssign, item, "", l.bindTarget(alias), l.expr(value))
	}
	if value.Type() == "as_pattern" {
		expr := value.NamedChild(0)
		if alias := value.ChildByFieldName("alias"); alias != nil {
			return make1(schemas.KindAssign, item, "", l.bindTarget(alias), l.expr(expr))
		}
		return l.expr(expr)
	}
	return l.expr(value)
}

// bindTarget lowers a binding position. The grammar wraps "as" aliases
// in an as_pattern_target around the identifier; other leaves are taken
// by their text.
func (l *lowerer) bindTarget(n *sitter.Node) *schemas.Node {
	if n.Type() == "as_pattern_target" && n.NamedChildCount() > 0 {
		return l.bindTarget(n.NamedChild(0))
	}
	if n.Type() == "identifier" || n.NamedChildCount() == 0 {
		return make1(schemas.KindIdent, n, l.text(n))
	}
	return l.expr(n)
}

// conditional lowers if/elif/else onto nested two-way conditionals.
func (l *lowerer) conditional(n *sitter.Node) *schemas.Node {
	out := make1(schemas.KindConditional, n, "",
		l.expr(n.ChildByFieldName("condition")),
		l.block(n.ChildByFieldName("consequence")))

	// the grammar flattens the chain into alternative clauses
	tail := out
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "elif_clause":
			next := make1(schemas.KindConditional, c, "",
				l.expr(c.ChildByFieldName("condition")),
				l.block(c.ChildByFieldName("consequence")))
			wrap := &schemas.Node{Kind: schemas.KindBlock, Span: span(c), Children: []*schemas.Node{next}}
			tail.Children = append(tail.Children, wrap)
			tail = next
		case "else_clause":
			for j := 0; j < int(c.NamedChildCount()); j++ {
				if c.NamedChild(j).Type() == "block" {
					tail.Children = append(tail.Children, l.block(c.NamedChild(j)))
				}
			}
		}
	}
	return out
}

func (l *lowerer) function(n *sitter.Node) *schemas.Node {
	name := ""
	if id := n.ChildByFieldName("name"); id != nil {
		name = l.text(id)
	}
	out := make1(schemas.KindFunction, n, name)
	if params := n.ChildByFieldName("parameters"); params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			if p := paramName(params.NamedChild(i), l.src); p != "" {
				out.Children = append(out.Children, make1(schemas.KindParam, params.NamedChild(i), p))
			}
		}
	}
	out.Children = append(out.Children, l.block(n.ChildByFieldName("body")))
	return out
}

// paramName digs the bound identifier out of a parameter node, through
// type annotations, defaults and splats.
func paramName(n *sitter.Node, src []byte) string {
	switch n.Type() {
	case "identifier":
		return n.Content(src)
	case "typed_parameter", "default_parameter", "typed_default_parameter",
		"list_splat_pattern", "dictionary_splat_pattern":
		if name := n.ChildByFieldName("name"); name != nil {
			return paramName(name, src)
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if got := paramName(n.NamedChild(i), src); got != "" {
				return got
			}
		}
	}
	return ""
}

// plainImport lowers "import a.b" and "import a.b as c". Importing a
// dotted path binds the root package name, matching runtime behavior.
// "import a, b" names two modules, so it becomes one import per module.
func (l *lowerer) plainImport(n *sitter.Node) *schemas.Node {
	var imports []*schemas.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "dotted_name":
			module := l.text(c)
			local := module
			if j := strings.IndexByte(local, '.'); j >= 0 {
				local = local[:j]
			}
			imports = append(imports,
				make1(schemas.KindImport, c, module, make1(schemas.KindIdent, c, local)))
		case "aliased_import":
			module := ""
			alias := ""
			if name := c.ChildByFieldName("name"); name != nil {
				module = l.text(name)
			}
			if as := c.ChildByFieldName("alias"); as != nil {
				alias = l.text(as)
			}
			if module != "" && alias != "" {
				imports = append(imports,
					make1(schemas.KindImport, c, module, make1(schemas.KindIdent, c, alias)))
			}
		}
	}
	switch len(imports) {
	case 0:
		return nil
	case 1:
		return imports[0]
	default:
		return make1(schemas.KindUnknown, n, "", imports...)
	}
}

// fromImport lowers "from m import a, b as c" and "from m import *".
func (l *lowerer) fromImport(n *sitter.Node) *schemas.Node {
	out := make1(schemas.KindImport, n, "")
	if mod := n.ChildByFieldName("module_name"); mod != nil {
		out.Text = strings.TrimLeft(l.text(mod), ".")
	}
	if out.Text == "" {
		return nil
	}
	sawName := false
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "dotted_name":
			if !sawName {
				// first dotted_name is the module itself
				sawName = true
				continue
			}
			remote := l.text(c)
			binding := make1(schemas.KindIdent, c, remote, make1(schemas.KindIdent, c, remote))
			out.Children = append(out.Children, binding)
		case "aliased_import":
			remote := ""
			alias := ""
			if name := c.ChildByFieldName("name"); name != nil {
				remote = l.text(name)
			}
			if as := c.ChildByFieldName("alias"); as != nil {
				alias = l.text(as)
			}
			if remote != "" && alias != "" {
				out.Children = append(out.Children,
					make1(schemas.KindIdent, c, alias, make1(schemas.KindIdent, c, remote)))
			}
		case "wildcard_import":
			out.Children = append(out.Children,
				make1(schemas.KindIdent, c, "*", make1(schemas.KindIdent, c, "*")))
		case "relative_import":
			// "from . import x" style: module stays relative, handled above
			sawName = true
		}
	}
	return out
}

func (l *lowerer) expr(n *sitter.Node) *schemas.Node {
	if n == nil {
		return &schemas.Node{Kind: schemas.KindUnknown}
	}
	switch n.Type() {
	case "identifier":
		return make1(schemas.KindIdent, n, l.text(n))

	case "attribute":
		obj := n.ChildByFieldName("object")
		attr := n.ChildByFieldName("attribute")
		name := ""
		if attr != nil {
			name = l.text(attr)
		}
		return make1(schemas.KindMember, n, name, l.expr(obj))

	case "subscript":
		return make1(schemas.KindIndex, n, "",
			l.expr(n.ChildByFieldName("value")), l.expr(n.ChildByFieldName("subscript")))

	case "call":
		out := make1(schemas.KindCall, n, "", l.expr(n.ChildByFieldName("function")))
		if args := n.ChildByFieldName("arguments"); args != nil {
			for i := 0; i < int(args.NamedChildCount()); i++ {
				out.Children = append(out.Children, l.argument(args.NamedChild(i)))
			}
		}
		return out

	case "integer", "float", "none", "true", "false", "ellipsis":
		return make1(schemas.KindLiteral, n, l.text(n))

	case "string", "concatenated_string":
		return l.stringExpr(n)

	case "binary_operator", "boolean_operator", "comparison_operator":
		return make1(schemas.KindBinary, n, "",
			l.expr(n.ChildByFieldName("left")), l.expr(n.ChildByFieldName("right")))

	case "unary_operator", "not_operator":
		return make1(schemas.KindBinary, n, "", l.expr(n.ChildByFieldName("argument")))

	case "conditional_expression":
		// value if cond else other: the value is one of the arms
		if n.NamedChildCount() >= 3 {
			return make1(schemas.KindBinary, n, "",
				l.expr(n.NamedChild(0)), l.expr(n.NamedChild(2)))
		}

	case "parenthesized_expression", "await":
		if n.NamedChildCount() > 0 {
			return l.expr(n.NamedChild(0))
		}

	case "named_expression":
		// walrus: binds and yields; in expression position keep the value
		return l.expr(n.ChildByFieldName("value"))

	case "lambda":
		out := make1(schemas.KindFunction, n, "")
		if params := n.ChildByFieldName("parameters"); params != nil {
			for i := 0; i < int(params.NamedChildCount()); i++ {
				if p := paramName(params.NamedChild(i), l.src); p != "" {
					out.Children = append(out.Children, make1(schemas.KindParam, params.NamedChild(i), p))
				}
			}
		}
		body := l.expr(n.ChildByFieldName("body"))
		ret := &schemas.Node{Kind: schemas.KindReturn, Span: body.Span, Children: []*schemas.Node{body}}
		out.Children = append(out.Children, &schemas.Node{
			Kind: schemas.KindBlock, Span: body.Span, Children: []*schemas.Node{ret},
		})
		return out
	}

	// lists, dicts, comprehensions, slices and the rest: an unknown
	// wrapper keeps element taint flowing
	out := make1(schemas.KindUnknown, n, "")
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "comment" {
			continue
		}
		out.Children = append(out.Children, l.expr(c))
	}
	return out
}

// argument unwraps call argument decoration so positions line up with
// what the callee sees where possible.
func (l *lowerer) argument(n *sitter.Node) *schemas.Node {
	switch n.Type() {
	case "keyword_argument":
		return l.expr(n.ChildByFieldName("value"))
	case "list_splat", "dictionary_splat":
		if n.NamedChildCount() > 0 {
			return l.expr(n.NamedChild(0))
		}
	}
	return l.expr(n)
}

// stringExpr keeps f-string interpolations live and flattens everything
// else to a literal.
func (l *lowerer) stringExpr(n *sitter.Node) *schemas.Node {
	var parts []*schemas.Node
	var walk func(s *sitter.Node)
	walk = func(s *sitter.Node) {
		for i := 0; i < int(s.NamedChildCount()); i++ {
			c := s.NamedChild(i)
			switch c.Type() {
			case "interpolation":
				if c.NamedChildCount() > 0 {
					parts = append(parts, l.expr(c.NamedChild(0)))
				}
			case "string":
				walk(c)
			}
		}
	}
	walk(n)
	if len(parts) == 0 {
		return make1(schemas.KindLiteral, n, l.text(n))
	}
	return make1(schemas.KindBinary, n, "", parts...)
}
