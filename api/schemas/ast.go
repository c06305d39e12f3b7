package schemas

// -- Uniform Syntax Tree --
//
// Language front ends lower real parse trees onto this reduced, language
// neutral shape before analysis starts. The engine never sees source text,
// only these documents.

// Language identifies the source language of a parsed file.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
)

// NodeKind tags a vertex of the uniform tree. The set is closed: adapters
// must map every construct onto one of these or emit KindUnknown.
type NodeKind string

const (
	// KindModule is the root of a file. Children are top level statements.
	KindModule NodeKind = "module"
	// KindFunction declares a function. Text is the name (empty for
	// anonymous functions), leading children are KindParam nodes and the
	// final child is the body block.
	KindFunction NodeKind = "function"
	// KindParam is a single declared parameter. Text is the name.
	KindParam NodeKind = "param"
	// KindBlock is an ordered statement list.
	KindBlock NodeKind = "block"
	// KindAssign has exactly two children: target, value.
	KindAssign NodeKind = "assign"
	// KindCall has the callee expression as child 0 and one child per
	// argument after it.
	KindCall NodeKind = "call"
	// KindMember is an attribute access. Child 0 is the object, Text is
	// the attribute name.
	KindMember NodeKind = "member"
	// KindIndex is a subscript. Children are the object and the index
	// expression.
	KindIndex NodeKind = "index"
	// KindIdent is a name reference. Text is the name.
	KindIdent NodeKind = "ident"
	// KindLiteral is a constant. Text is the raw lexeme.
	KindLiteral NodeKind = "literal"
	// KindBinary is any operator expression; children are the operands.
	KindBinary NodeKind = "binary"
	// KindConditional has children condition, then-block and optionally
	// an else-block.
	KindConditional NodeKind = "conditional"
	// KindLoop re-executes its children; the final child is the body
	// block, preceding children model the loop header (for example the
	// iteration binding lowered to a KindAssign).
	KindLoop NodeKind = "loop"
	// KindReturn has at most one child, the returned expression.
	KindReturn NodeKind = "return"
	// KindImport binds foreign symbols. Text is the imported module path.
	// Each child is a KindIdent whose Text is the LOCAL bound name. A
	// child with no children binds the module object itself; a child
	// carrying one KindIdent grandchild binds that remote symbol (the
	// grandchild Text). The local name "*" with remote "*" is a star
	// import. A childless import binds nothing (side-effect import).
	KindImport NodeKind = "import"
	// KindUnknown wraps anything the adapter could not classify. Children
	// are preserved so taint can still travel through them.
	KindUnknown NodeKind = "unknown"
)

// Span is a source range with 1-based lines and columns.
type Span struct {
	StartLine int `json:"start_line"`
	StartCol  int `json:"start_col"`
	EndLine   int `json:"end_line"`
	EndCol    int `json:"end_col"`
}

// Node is one vertex of the uniform tree. Nodes are read-only once handed
// to the engine; adapters must not mutate a tree after submission.
type Node struct {
	Kind     NodeKind `json:"kind"`
	Span     Span     `json:"span"`
	Text     string   `json:"text,omitempty"`
	Children []*Node  `json:"children,omitempty"`
}

// Child returns the i-th child or nil when out of range.
func (n *Node) Child(i int) *Node {
	if n == nil || i < 0 || i >= len(n.Children) {
		return nil
	}
	return n.Children[i]
}

// LastChild returns the final child or nil for a leaf.
func (n *Node) LastChild() *Node {
	if n == nil || len(n.Children) == 0 {
		return nil
	}
	return n.Children[len(n.Children)-1]
}

// FileAST is the per-file unit of analysis input.
type FileAST struct {
	// Path is the workspace-relative file path; it becomes the file part
	// of every location the engine reports for this file.
	Path string `json:"path"`
	// Language selects the rule table applied to this file.
	Language Language `json:"language"`
	// ContentHash is the SHA-256 hex digest of the file content, used as
	// the summary cache key.
	ContentHash string `json:"content_hash"`
	Root        *Node  `json:"root"`
}
