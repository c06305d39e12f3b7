// Package astbuild is a small construction kit for uniform trees, used by
// analysis tests to state fixtures without a parser. Spans default to
// zero; wrap any node with At to pin the line that an assertion will look
// for.
package astbuild

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

// File wraps a root module node into a submission-ready document. The
// content hash is derived from the path so incremental-scan tests get
// stable, distinct keys without real file content.
func File(path string, lang schemas.Language, stmts ...*schemas.Node) *schemas.FileAST {
	sum := sha256.Sum256([]byte(path))
	return &schemas.FileAST{
		Path:        path,
		Language:    lang,
		ContentHash: hex.EncodeToString(sum[:]),
		Root:        Module(stmts...),
	}
}

// At pins a node's starting position.
func At(line, col int, n *schemas.Node) *schemas.Node {
	n.Span.StartLine = line
	n.Span.StartCol = col
	if n.Span.EndLine < line {
		n.Span.EndLine = line
	}
	return n
}

func node(kind schemas.NodeKind, text string, children ...*schemas.Node) *schemas.Node {
	return &schemas.Node{Kind: kind, Text: text, Children: children}
}

// Module is a file root.
func Module(stmts ...*schemas.Node) *schemas.Node {
	return node(schemas.KindModule, "", stmts...)
}

// Func declares a named function with the given parameters and body.
func Func(name string, params []string, body ...*schemas.Node) *schemas.Node {
	children := make([]*schemas.Node, 0, len(params)+1)
	for _, p := range params {
		children = append(children, node(schemas.KindParam, p))
	}
	children = append(children, Block(body...))
	return node(schemas.KindFunction, name, children...)
}

// Block groups statements.
func Block(stmts ...*schemas.Node) *schemas.Node {
	return node(schemas.KindBlock, "", stmts...)
}

// Assign writes value into target.
func Assign(target, value *schemas.Node) *schemas.Node {
	return node(schemas.KindAssign, "", target, value)
}

// Call invokes callee with args.
func Call(callee *schemas.Node, args ...*schemas.Node) *schemas.Node {
	children := append([]*schemas.Node{callee}, args...)
	return node(schemas.KindCall, "", children...)
}

// Member accesses obj.attr.
func Member(obj *schemas.Node, attr string) *schemas.Node {
	return node(schemas.KindMember, attr, obj)
}

// Index accesses obj[idx].
func Index(obj, idx *schemas.Node) *schemas.Node {
	return node(schemas.KindIndex, "", obj, idx)
}

// Ident references a name.
func Ident(name string) *schemas.Node {
	return node(schemas.KindIdent, name)
}

// Lit is a constant.
func Lit(text string) *schemas.Node {
	return node(schemas.KindLiteral, text)
}

// Bin combines operands with an operator.
func Bin(operands ...*schemas.Node) *schemas.Node {
	return node(schemas.KindBinary, "", operands...)
}

// If branches on cond; elseBlock may be nil.
func If(cond *schemas.Node, thenBlock *schemas.Node, elseBlock *schemas.Node) *schemas.Node {
	if elseBlock == nil {
		return node(schemas.KindConditional, "", cond, thenBlock)
	}
	return node(schemas.KindConditional, "", cond, thenBlock, elseBlock)
}

// Loop re-executes header statements and the trailing body block.
func Loop(children ...*schemas.Node) *schemas.Node {
	return node(schemas.KindLoop, "", children...)
}

// Ret returns value (nil for a bare return).
func Ret(value *schemas.Node) *schemas.Node {
	if value == nil {
		return node(schemas.KindReturn, "")
	}
	return node(schemas.KindReturn, "", value)
}

// ImportModule binds a module object under local ("import os").
func ImportModule(module, local string) *schemas.Node {
	return node(schemas.KindImport, module, Ident(local))
}

// ImportSymbol binds a remote symbol under local
// ("from module import remote as local").
func ImportSymbol(module, remote, local string) *schemas.Node {
	return node(schemas.KindImport, module, node(schemas.KindIdent, local, Ident(remote)))
}

// ImportStar imports everything from module.
func ImportStar(module string) *schemas.Node {
	return node(schemas.KindImport, module, node(schemas.KindIdent, "*", Ident("*")))
}

// Unknown wraps children in an unclassified node.
func Unknown(children ...*schemas.Node) *schemas.Node {
	return node(schemas.KindUnknown, "", children...)
}
