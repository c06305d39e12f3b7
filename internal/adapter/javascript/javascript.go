// Package javascript lowers tree-sitter JavaScript parse trees onto the
// uniform tree the analysis engine consumes. Both CommonJS require and
// ES module imports become uniform import nodes so the resolver treats
// them alike.
package javascript

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

// Parser is the JavaScript front end. Each Parse call builds its own
// tree-sitter parser, so one Parser is safe for concurrent use.
type Parser struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger.Named("javascript")}
}

// Language reports the rule table this front end feeds.
func (p *Parser) Language() schemas.Language { return schemas.LangJavaScript }

// Extensions lists the file suffixes this front end claims.
func (p *Parser) Extensions() []string { return []string{".js", ".mjs", ".cjs"} }

// Parse lowers source into a uniform tree. Files with syntax errors still
// produce a document; the regions tree-sitter recovered stay analyzable.
func (p *Parser) Parse(ctx context.Context, path string, source []byte) (*schemas.FileAST, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())
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
		Language:    schemas.LangJavaScript,
		ContentHash: hex.EncodeToString(sum[:]),
		Root:        l.program(root),
	}, nil
}

type lowerer struct {
	src []byte
}

func (l *lowerer) text(n *sitter.Node) string {
	return n.Content(l.src)
}

// stringValue strips quoting from string and template literals.
func (l *lowerer) stringValue(n *sitter.Node) string {
	return strings.Trim(l.text(n), "\"'`")
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

func (l *lowerer) program(root *sitter.Node) *schemas.Node {
	out := make1(schemas.KindModule, root, "")
	out.Children = l.stmts(root)
	return out
}

func (l *lowerer) stmts(n *sitter.Node) []*schemas.Node {
	var out []*schemas.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if st := l.stmt(n.NamedChild(i)); st != nil {
			out = append(out, st)
		}
	}
	return out
}

// blockify wraps a single-statement body so loop and branch bodies are
// always blocks.
func (l *lowerer) blockify(n *sitter.Node) *schemas.Node {
	if n == nil {
		return &schemas.Node{Kind: schemas.KindBlock}
	}
	if n.Type() == "statement_block" {
		out := make1(schemas.KindBlock, n, "")
		out.Children = l.stmts(n)
		return out
	}
	out := make1(schemas.KindBlock, n, "")
	if st := l.stmt(n); st != nil {
		out.Children = []*schemas.Node{st}
	}
	return out
}

func (l *lowerer) stmt(n *sitter.Node) *schemas.Node {
	switch n.Type() {
	case "comment", "empty_statement", "break_statement", "continue_statement",
		"debugger_statement", "hash_bang_line":
		return nil

	case "ERROR":
		// recovered fragments are still statements more often than not
		out := make1(schemas.KindUnknown, n, "")
		out.Children = l.stmts(n)
		return out

	case "expression_statement":
		if n.NamedChildCount() == 1 {
			return l.stmt(n.NamedChild(0))
		}
		out := make1(schemas.KindUnknown, n, "")
		out.Children = l.stmts(n)
		return out

	case "statement_block":
		out := make1(schemas.KindBlock, n, "")
		out.Children = l.stmts(n)
		return out

	case "lexical_declaration", "variable_declaration":
		var decls []*schemas.Node
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c.Type() != "variable_declarator" {
				continue
			}
			if d := l.declarator(c); d != nil {
				decls = append(decls, d)
			}
		}
		switch len(decls) {
		case 0:
			return nil
		case 1:
			return decls[0]
		default:
			return make1(schemas.KindUnknown, n, "", decls...)
		}

	case "assignment_expression":
		return make1(schemas.KindAssign, n, "",
			l.expr(n.ChildByFieldName("left")), l.expr(n.ChildByFieldName("right")))

	case "augmented_assignment_expression":
		left := n.ChildByFieldName("left")
		right := n.ChildByFieldName("right")
		rhs := make1(schemas.KindBinary, n, "", l.expr(left), l.expr(right))
		return make1(schemas.KindAssign, n, "", l.expr(left), rhs)

	case "function_declaration", "generator_function_declaration":
		return l.function(n, "")

	case "class_declaration":
		return l.class(n)

	case "if_statement":
		out := make1(schemas.KindConditional, n, "",
			l.expr(n.ChildByFieldName("condition")),
			l.blockify(n.ChildByFieldName("consequence")))
		if alt := n.ChildByFieldName("alternative"); alt != nil {
			if alt.Type() == "else_clause" && alt.NamedChildCount() > 0 {
				alt = alt.NamedChild(0)
			}
			out.Children = append(out.Children, l.blockify(alt))
		}
		return out

	case "for_statement":
		out := make1(schemas.KindLoop, n, "")
		if init := n.ChildByFieldName("initializer"); init != nil && init.Type() != "empty_statement" {
			if st := l.stmt(init); st != nil {
				out.Children = append(out.Children, st)
			}
		}
		if cond := n.ChildByFieldName("condition"); cond != nil && cond.Type() != "empty_statement" {
			// the grammar wraps the condition in an expression statement
			if cond.Type() == "expression_statement" && cond.NamedChildCount() > 0 {
				cond = cond.NamedChild(0)
			}
			out.Children = append(out.Children, l.expr(cond))
		}
		if inc := n.ChildByFieldName("increment"); inc != nil {
			out.Children = append(out.Children, l.expr(inc))
		}
		out.Children = append(out.Children, l.blockify(n.ChildByFieldName("body")))
		return out

	case "for_in_statement":
		// covers for..in and for..of: the binding reads the iterated value
		bind := make1(schemas.KindAssign, n, "",
			l.expr(n.ChildByFieldName("left")), l.expr(n.ChildByFieldName("right")))
		return make1(schemas.KindLoop, n, "", bind, l.blockify(n.ChildByFieldName("body")))

	case "while_statement", "do_statement":
		return make1(schemas.KindLoop, n, "",
			l.expr(n.ChildByFieldName("condition")), l.blockify(n.ChildByFieldName("body")))

	case "return_statement":
		out := make1(schemas.KindReturn, n, "")
		if n.NamedChildCount() > 0 {
			out.Children = []*schemas.Node{l.expr(n.NamedChild(0))}
		}
		return out

	case "import_statement":
		return l.esImport(n)

	case "export_statement":
		if decl := n.ChildByFieldName("declaration"); decl != nil {
			return l.stmt(decl)
		}
		if v := n.ChildByFieldName("value"); v != nil {
			// export default <expr>
			return make1(schemas.KindUnknown, n, "", l.expr(v))
		}
		return nil

	case "try_statement":
		out := make1(schemas.KindUnknown, n, "")
		out.Children = append(out.Children, l.blockify(n.ChildByFieldName("body")))
		if handler := n.ChildByFieldName("handler"); handler != nil {
			out.Children = append(out.Children, l.blockify(handler.ChildByFieldName("body")))
		}
		if fin := n.ChildByFieldName("finalizer"); fin != nil {
			out.Children = append(out.Children, l.blockify(fin.ChildByFieldName("body")))
		}
		return out

	case "switch_statement":
		out := make1(schemas.KindUnknown, n, "", l.expr(n.ChildByFieldName("value")))
		if body := n.ChildByFieldName("body"); body != nil {
			for i := 0; i < int(body.NamedChildCount()); i++ {
				c := body.NamedChild(i)
				if c.Type() != "switch_case" && c.Type() != "switch_default" {
					continue
				}
				arm := make1(schemas.KindBlock, c, "")
				start := 0
				if c.Type() == "switch_case" {
					// first named child is the matched value
					start = 1
				}
				for j := start; j < int(c.NamedChildCount()); j++ {
					if st := l.stmt(c.NamedChild(j)); st != nil {
						arm.Children = append(arm.Children, st)
					}
				}
				out.Children = append(out.Children, arm)
			}
		}
		return out

	case "labeled_statement":
		if body := n.ChildByFieldName("body"); body != nil {
			return l.stmt(body)
		}
		return nil

	case "throw_statement":
		out := make1(schemas.KindUnknown, n, "")
		if n.NamedChildCount() > 0 {
			out.Children = []*schemas.Node{l.expr(n.NamedChild(0))}
		}
		return out

	default:
		return l.expr(n)
	}
}

// declarator lowers one "name = value" clause. Require calls become
// imports; everything else is an assignment.
func (l *lowerer) declarator(n *sitter.Node) *schemas.Node {
	name := n.ChildByFieldName("name")
	value := n.ChildByFieldName("value")
	if name == nil {
		return nil
	}
	if module, ok := l.requireModule(value); ok {
		return l.requireImport(n, name, module)
	}
	if value == nil {
		return nil
	}
	return make1(schemas.KindAssign, n, "", l.expr(name), l.expr(value))
}

// requireModule recognizes require("m") and returns the module path.
func (l *lowerer) requireModule(value *sitter.Node) (string, bool) {
	if value == nil || value.Type() != "call_expression" {
		return "", false
	}
	fn := value.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" || l.text(fn) != "require" {
		return "", false
	}
	args := value.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return "", false
	}
	arg := args.NamedChild(0)
	if arg.Type() != "string" {
		return "", false
	}
	return l.stringValue(arg), true
}

// requireImport lowers const m = require("m") and the destructured
// const { a, b: c } = require("m") forms.
func (l *lowerer) requireImport(decl, name *sitter.Node, module string) *schemas.Node {
	out := make1(schemas.KindImport, decl, module)
	switch name.Type() {
	case "identifier":
		// binds the whole module object
		out.Children = append(out.Children, make1(schemas.KindIdent, name, l.text(name)))
	case "object_pattern":
		for i := 0; i < int(name.NamedChildCount()); i++ {
			c := name.NamedChild(i)
			switch c.Type() {
			case "shorthand_property_identifier_pattern", "shorthand_property_identifier":
				text := l.text(c)
				out.Children = append(out.Children,
					make1(schemas.KindIdent, c, text, make1(schemas.KindIdent, c, text)))
			case "pair_pattern":
				key := c.ChildByFieldName("key")
				val := c.ChildByFieldName("value")
				if key != nil && val != nil && val.Type() == "identifier" {
					out.Children = append(out.Children,
						make1(schemas.KindIdent, c, l.text(val), make1(schemas.KindIdent, key, l.text(key))))
				}
			}
		}
	}
	return out
}

// esImport lowers ES module import statements. A default import binds
// the remote name "default"; a namespace import binds the module object.
func (l *lowerer) esImport(n *sitter.Node) *schemas.Node {
	source := n.ChildByFieldName("source")
	if source == nil {
		return nil
	}
	out := make1(schemas.KindImport, n, l.stringValue(source))
	for i := 0; i < int(n.NamedChildCount()); i++ {
		clause := n.NamedChild(i)
		if clause.Type() != "import_clause" {
			continue
		}
		for j := 0; j < int(clause.NamedChildCount()); j++ {
			c := clause.NamedChild(j)
			switch c.Type() {
			case "identifier":
				out.Children = append(out.Children,
					make1(schemas.KindIdent, c, l.text(c), make1(schemas.KindIdent, c, "default")))
			case "namespace_import":
				for k := 0; k < int(c.NamedChildCount()); k++ {
					if id := c.NamedChild(k); id.Type() == "identifier" {
						out.Children = append(out.Children, make1(schemas.KindIdent, id, l.text(id)))
					}
				}
			case "named_imports":
				for k := 0; k < int(c.NamedChildCount()); k++ {
					spec := c.NamedChild(k)
					if spec.Type() != "import_specifier" {
						continue
					}
					name := spec.ChildByFieldName("name")
					if name == nil {
						continue
					}
					local := name
					if alias := spec.ChildByFieldName("alias"); alias != nil {
						local = alias
					}
					out.Children = append(out.Children,
						make1(schemas.KindIdent, spec, l.text(local), make1(schemas.KindIdent, name, l.text(name))))
				}
			}
		}
	}
	return out
}

func (l *lowerer) function(n *sitter.Node, name string) *schemas.Node {
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
	} else if param := n.ChildByFieldName("parameter"); param != nil {
		// arrow shorthand: x => ...
		if p := paramName(param, l.src); p != "" {
			out.Children = append(out.Children, make1(schemas.KindParam, param, p))
		}
	}
	body := n.ChildByFieldName("body")
	if body != nil && body.Type() == "statement_block" {
		out.Children = append(out.Children, l.blockify(body))
	} else if body != nil {
		// expression body analyzes as an implicit return
		out.Children = append(out.Children, l.expr(body))
	} else {
		out.Children = append(out.Children, &schemas.Node{Kind: schemas.KindBlock})
	}
	return out
}

func paramName(n *sitter.Node, src []byte) string {
	switch n.Type() {
	case "identifier":
		return n.Content(src)
	case "assignment_pattern":
		if left := n.ChildByFieldName("left"); left != nil {
			return paramName(left, src)
		}
	case "rest_pattern":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if got := paramName(n.NamedChild(i), src); got != "" {
				return got
			}
		}
	}
	return ""
}

// class lowers a class body: methods surface as plain functions, field
// initializers stay visible.
func (l *lowerer) class(n *sitter.Node) *schemas.Node {
	out := make1(schemas.KindUnknown, n, "")
	body := n.ChildByFieldName("body")
	if body == nil {
		return out
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		c := body.NamedChild(i)
		switch c.Type() {
		case "method_definition":
			name := ""
			if id := c.ChildByFieldName("name"); id != nil {
				name = l.text(id)
			}
			out.Children = append(out.Children, l.function(c, name))
		case "field_definition", "public_field_definition":
			if v := c.ChildByFieldName("value"); v != nil {
				out.Children = append(out.Children, l.expr(v))
			}
		case "class_static_block":
			if b := c.ChildByFieldName("body"); b != nil {
				out.Children = append(out.Children, l.blockify(b))
			}
		}
	}
	return out
}

func (l *lowerer) expr(n *sitter.Node) *schemas.Node {
	if n == nil {
		return &schemas.Node{Kind: schemas.KindUnknown}
	}
	switch n.Type() {
	case "identifier", "shorthand_property_identifier", "property_identifier":
		return make1(schemas.KindIdent, n, l.text(n))

	case "this":
		return make1(schemas.KindIdent, n, "this")

	case "member_expression":
		obj := n.ChildByFieldName("object")
		prop := n.ChildByFieldName("property")
		name := ""
		if prop != nil {
			name = l.text(prop)
		}
		return make1(schemas.KindMember, n, name, l.expr(obj))

	case "subscript_expression":
		return make1(schemas.KindIndex, n, "",
			l.expr(n.ChildByFieldName("object")), l.expr(n.ChildByFieldName("index")))

	case "call_expression", "new_expression":
		callee := n.ChildByFieldName("function")
		if callee == nil {
			callee = n.ChildByFieldName("constructor")
		}
		out := make1(schemas.KindCall, n, "", l.expr(callee))
		if args := n.ChildByFieldName("arguments"); args != nil {
			for i := 0; i < int(args.NamedChildCount()); i++ {
				out.Children = append(out.Children, l.argument(args.NamedChild(i)))
			}
		}
		return out

	case "string", "number", "true", "false", "null", "undefined", "regex":
		return make1(schemas.KindLiteral, n, l.text(n))

	case "template_string":
		return l.templateString(n)

	case "binary_expression":
		return make1(schemas.KindBinary, n, "",
			l.expr(n.ChildByFieldName("left")), l.expr(n.ChildByFieldName("right")))

	case "unary_expression", "update_expression":
		return make1(schemas.KindBinary, n, "", l.expr(n.ChildByFieldName("argument")))

	case "ternary_expression":
		return make1(schemas.KindBinary, n, "",
			l.expr(n.ChildByFieldName("consequence")), l.expr(n.ChildByFieldName("alternative")))

	case "parenthesized_expression", "await_expression":
		if n.NamedChildCount() > 0 {
			return l.expr(n.NamedChild(0))
		}

	case "arrow_function", "function", "function_expression", "generator_function":
		return l.function(n, "")

	case "class":
		return l.class(n)

	case "spread_element":
		if n.NamedChildCount() > 0 {
			return l.expr(n.NamedChild(0))
		}

	case "pair":
		return l.expr(n.ChildByFieldName("value"))

	case "assignment_expression":
		// in expression position the value and the target both matter
		return make1(schemas.KindBinary, n, "",
			l.expr(n.ChildByFieldName("left")), l.expr(n.ChildByFieldName("right")))
	}

	// objects, arrays, sequences and the rest: an unknown wrapper keeps
	// element taint flowing
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

func (l *lowerer) argument(n *sitter.Node) *schemas.Node {
	if n.Type() == "spread_element" && n.NamedChildCount() > 0 {
		return l.expr(n.NamedChild(0))
	}
	return l.expr(n)
}

// templateString keeps substitutions live and flattens constant
// templates to a literal.
func (l *lowerer) templateString(n *sitter.Node) *schemas.Node {
	var parts []*schemas.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "template_substitution" && c.NamedChildCount() > 0 {
			parts = append(parts, l.expr(c.NamedChild(0)))
		}
	}
	if len(parts) == 0 {
		return make1(schemas.KindLiteral, n, l.text(n))
	}
	return make1(schemas.KindBinary, n, "", parts...)
}
