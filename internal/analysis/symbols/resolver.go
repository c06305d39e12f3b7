// Package symbols builds per-file scope information and resolves call
// targets across file boundaries. Resolution is a pure function of the
// submitted trees: it never touches the filesystem, and a malformed tree
// degrades to file-local results instead of failing the scan.
package symbols

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/api/schemas"
	"github.com/vulnpredict/vulnflow/internal/analysis/core"
)

// ModuleFunc is the qualified name given to a file's top level statements,
// which are analyzed as a synthetic zero-parameter function.
const ModuleFunc = "<module>"

// FuncID names one function in the whole program.
type FuncID struct {
	File string
	Name string
}

func (id FuncID) String() string {
	return id.File + "::" + id.Name
}

// Less orders ids by file then name, for deterministic iteration.
func (id FuncID) Less(other FuncID) bool {
	if id.File != other.File {
		return id.File < other.File
	}
	return id.Name < other.Name
}

// FuncDecl is one declared function (or the synthetic module function).
type FuncDecl struct {
	ID     FuncID
	Params []string
	// Body is the block the flow builder walks. For real functions this
	// is the function node's final child; for the module function it is
	// the module node itself.
	Body      *schemas.Node
	Loc       core.Location
	Anonymous bool
}

// BareName returns the last segment of the qualified name.
func (d *FuncDecl) BareName() string {
	if i := strings.LastIndexByte(d.ID.Name, '.'); i >= 0 {
		return d.ID.Name[i+1:]
	}
	return d.ID.Name
}

// ImportRef is one import binding in a file.
type ImportRef struct {
	Local  string
	Module string
	// Symbol is the remote name; empty means the module object itself,
	// "*" means a star import.
	Symbol string
	Loc    core.Location
}

// FileTable holds everything the resolver learned about one file.
type FileTable struct {
	Path      string
	Language  schemas.Language
	Functions map[string]*FuncDecl // keyed by qualified name
	Imports   map[string]ImportRef // keyed by local name
	Stars     []ImportRef          // star imports in appearance order
	Order     []string             // function declaration order
}

// Resolution is the outcome of resolving one call target.
type Resolution struct {
	// Candidates are the possible declarations, in deterministic order.
	Candidates []*FuncDecl
	// Opaque marks a target reached through an unresolvable import; such
	// calls get the maximally conservative unknown-callee treatment.
	Opaque bool
	// Ambiguous is set when more than one origin was plausible.
	Ambiguous bool
}

// Resolved reports whether at least one concrete declaration was found.
func (r Resolution) Resolved() bool {
	return len(r.Candidates) > 0
}

// Program is the whole-program symbol index.
type Program struct {
	Files map[string]*FileTable
	// exports maps a module key (path sans extension) to the module
	// level functions it declares.
	exports map[string]map[string]*FuncDecl
	logger  *zap.Logger
}

// Resolve indexes every submitted file. It never fails; files with nil
// roots simply produce empty tables.
func Resolve(files []*schemas.FileAST, logger *zap.Logger) *Program {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Program{
		Files:   make(map[string]*FileTable, len(files)),
		exports: make(map[string]map[string]*FuncDecl, len(files)),
		logger:  logger.Named("symbols"),
	}
	for _, f := range files {
		if f == nil || f.Path == "" {
			continue
		}
		table := buildFileTable(f)
		p.Files[f.Path] = table

		key := moduleKey(f.Path)
		exp := make(map[string]*FuncDecl)
		for name, decl := range table.Functions {
			// Only module level declarations are importable.
			if !strings.Contains(name, ".") && name != ModuleFunc && !decl.Anonymous {
				exp[name] = decl
			}
		}
		p.exports[key] = exp
	}
	p.logger.Debug("symbol resolution complete", zap.Int("files", len(p.Files)))
	return p
}

// Functions returns every declaration in the program in deterministic
// order, module functions included.
func (p *Program) Functions() []*FuncDecl {
	var out []*FuncDecl
	for _, table := range p.Files {
		for _, name := range table.Order {
			out = append(out, table.Functions[name])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Lookup finds a declaration by id.
func (p *Program) Lookup(id FuncID) (*FuncDecl, bool) {
	table, ok := p.Files[id.File]
	if !ok {
		return nil, false
	}
	decl, ok := table.Functions[id.Name]
	return decl, ok
}

// LanguageOf reports the language of a scanned file, or "" for files the
// program never saw.
func (p *Program) LanguageOf(file string) schemas.Language {
	if t := p.Files[file]; t != nil {
		return t.Language
	}
	return ""
}

// ResolveCall resolves a qualified callee path as seen from inside the
// given function. The search order for a bare name is: enclosing function
// scopes innermost first, then module level declarations, then import
// bindings, then star imports.
func (p *Program) ResolveCall(from FuncID, path []string) Resolution {
	if len(path) == 0 {
		return Resolution{}
	}
	table, ok := p.Files[from.File]
	if !ok {
		return Resolution{}
	}

	if len(path) == 1 {
		return p.resolveBareName(table, from, path[0])
	}

	// Qualified call: only the head can be an import binding we know.
	head := path[0]
	if ref, ok := table.Imports[head]; ok && ref.Symbol == "" {
		exp, known := p.exports[p.matchModule(table, ref.Module)]
		if !known {
			// Attribute call on an opaque module.
			return Resolution{Opaque: true}
		}
		if decl, ok := exp[path[1]]; ok && len(path) == 2 {
			return Resolution{Candidates: []*FuncDecl{decl}}
		}
		p.logger.Debug("module member not found",
			zap.String("module", ref.Module), zap.String("member", path[1]))
		return Resolution{}
	}
	// Method call on a local value, or a chain the resolver cannot
	// follow. The caller treats any unresolved callee conservatively.
	return Resolution{}
}

func (p *Program) resolveBareName(table *FileTable, from FuncID, name string) Resolution {
	// Enclosing scopes, innermost first: for caller "a.b.c", try
	// "a.b.c.name", "a.b.name", "a.name", "name".
	scope := from.Name
	for scope != "" {
		if decl, ok := table.Functions[scope+"."+name]; ok {
			return Resolution{Candidates: []*FuncDecl{decl}}
		}
		i := strings.LastIndexByte(scope, '.')
		if i < 0 {
			break
		}
		scope = scope[:i]
	}
	if decl, ok := table.Functions[name]; ok {
		return Resolution{Candidates: []*FuncDecl{decl}}
	}

	if ref, ok := table.Imports[name]; ok {
		if ref.Symbol == "" {
			// Calling a module object directly.
			return Resolution{Opaque: true}
		}
		exp, known := p.exports[p.matchModule(table, ref.Module)]
		if !known {
			return Resolution{Opaque: true}
		}
		if decl, ok := exp[ref.Symbol]; ok {
			return Resolution{Candidates: []*FuncDecl{decl}}
		}
		return Resolution{Opaque: true}
	}

	// Star imports can supply the name from several modules at once.
	var candidates []*FuncDecl
	sawUnknownStar := false
	for _, star := range table.Stars {
		exp, known := p.exports[p.matchModule(table, star.Module)]
		if !known {
			sawUnknownStar = true
			continue
		}
		if decl, ok := exp[name]; ok {
			candidates = append(candidates, decl)
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].ID.Less(candidates[j].ID)
		})
		return Resolution{
			Candidates: candidates,
			Ambiguous:  len(candidates) > 1 || sawUnknownStar,
		}
	}
	if sawUnknownStar {
		return Resolution{Opaque: true}
	}
	// Undeclared bare name: a builtin or a dynamic global. Unresolved,
	// so the caller falls back to the conservative treatment.
	return Resolution{}
}

// matchModule maps an import path to the module key of a submitted file,
// or "" when nothing matches. Matching is by path suffix after language
// specific normalization, which tolerates scans rooted below the import
// root.
func (p *Program) matchModule(table *FileTable, module string) string {
	suffix := normalizeModule(table.Language, module)
	if suffix == "" {
		return ""
	}
	var matches []string
	for key := range p.exports {
		if key == suffix || strings.HasSuffix(key, "/"+suffix) {
			matches = append(matches, key)
		}
	}
	if len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	if len(matches) > 1 {
		p.logger.Debug("import matches several files, using the first",
			zap.String("module", module), zap.Strings("matches", matches))
	}
	return matches[0]
}

func normalizeModule(lang schemas.Language, module string) string {
	m := strings.TrimSpace(module)
	if m == "" {
		return ""
	}
	switch lang {
	case schemas.LangPython:
		m = strings.TrimLeft(m, ".")
		return strings.ReplaceAll(m, ".", "/")
	default:
		for strings.HasPrefix(m, "./") || strings.HasPrefix(m, "../") {
			m = strings.TrimPrefix(m, "./")
			m = strings.TrimPrefix(m, "../")
		}
		if i := strings.LastIndexByte(m, '.'); i > strings.LastIndexByte(m, '/') {
			m = m[:i]
		}
		return m
	}
}

func moduleKey(path string) string {
	if i := strings.LastIndexByte(path, '.'); i > strings.LastIndexByte(path, '/') {
		path = path[:i]
	}
	return path
}

// -- Per-file table construction --

func buildFileTable(f *schemas.FileAST) *FileTable {
	t := &FileTable{
		Path:      f.Path,
		Language:  f.Language,
		Functions: make(map[string]*FuncDecl),
		Imports:   make(map[string]ImportRef),
	}
	if f.Root == nil {
		return t
	}

	// The module function owns every top level statement.
	t.register(&FuncDecl{
		ID:   FuncID{File: f.Path, Name: ModuleFunc},
		Body: f.Root,
		Loc:  core.LocationOf(f.Path, f.Root.Span),
	})
	collectScope(t, f.Root, "")
	return t
}

func (t *FileTable) register(decl *FuncDecl) {
	if _, exists := t.Functions[decl.ID.Name]; exists {
		// Redeclaration: last one wins, matching runtime semantics of the
		// languages we analyze.
		t.Functions[decl.ID.Name] = decl
		return
	}
	t.Functions[decl.ID.Name] = decl
	t.Order = append(t.Order, decl.ID.Name)
}

// collectScope walks statements of one scope, registering function
// declarations and imports. Function bodies are recursed into with an
// extended qualifier; other nested blocks keep the current one.
func collectScope(t *FileTable, node *schemas.Node, qual string) {
	if node == nil {
		return
	}
	for _, child := range node.Children {
		if child == nil {
			continue
		}
		switch child.Kind {
		case schemas.KindFunction:
			registerFunction(t, child, child.Text, qual)
		case schemas.KindImport:
			collectImport(t, child)
		case schemas.KindAssign:
			// A function literal bound by assignment declares under the
			// target's name when the adapter did not name it already.
			if fn := child.Child(1); fn != nil && fn.Kind == schemas.KindFunction {
				name := fn.Text
				if target := child.Child(0); name == "" && target != nil && target.Kind == schemas.KindIdent {
					name = target.Text
				}
				registerFunction(t, fn, name, qual)
			} else {
				collectScope(t, child, qual)
			}
		default:
			collectScope(t, child, qual)
		}
	}
}

func registerFunction(t *FileTable, fn *schemas.Node, name, qual string) {
	anonymous := false
	if name == "" {
		name = fmt.Sprintf("<anon:%d:%d>", fn.Span.StartLine, fn.Span.StartCol)
		anonymous = true
	}
	if qual != "" {
		name = qual + "." + name
	}
	var params []string
	for _, c := range fn.Children {
		if c != nil && c.Kind == schemas.KindParam {
			params = append(params, c.Text)
		}
	}
	decl := &FuncDecl{
		ID:        FuncID{File: t.Path, Name: name},
		Params:    params,
		Body:      fn.LastChild(),
		Loc:       core.LocationOf(t.Path, fn.Span),
		Anonymous: anonymous,
	}
	if decl.Body != nil && decl.Body.Kind != schemas.KindBlock {
		// Expression-bodied functions (arrow shorthand) still analyze.
		decl.Body = &schemas.Node{
			Kind:     schemas.KindBlock,
			Span:     decl.Body.Span,
			Children: []*schemas.Node{{Kind: schemas.KindReturn, Span: decl.Body.Span, Children: []*schemas.Node{decl.Body}}},
		}
	}
	t.register(decl)
	collectScope(t, fn.LastChild(), name)
}

func collectImport(t *FileTable, imp *schemas.Node) {
	module := imp.Text
	if module == "" {
		return
	}
	loc := core.Location{File: t.Path, Line: imp.Span.StartLine, Col: imp.Span.StartCol}
	for _, binding := range imp.Children {
		if binding == nil || binding.Kind != schemas.KindIdent || binding.Text == "" {
			continue
		}
		ref := ImportRef{Local: binding.Text, Module: module, Loc: loc}
		if remote := binding.Child(0); remote != nil && remote.Kind == schemas.KindIdent {
			ref.Symbol = remote.Text
		}
		if ref.Local == "*" {
			t.Stars = append(t.Stars, ref)
			continue
		}
		t.Imports[ref.Local] = ref
	}
}
