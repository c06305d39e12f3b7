package rules

import (
	"github.com/vulnpredict/vulnflow/api/schemas"
)

// Default returns the built-in bundle covering Python and JavaScript. It
// is the scanning baseline when no user bundle is supplied; user bundles
// replace it wholesale rather than merging.
func Default() *Ruleset {
	return &Ruleset{
		Languages: map[schemas.Language]*LanguageRules{
			schemas.LangPython:     pythonRules(),
			schemas.LangJavaScript: javascriptRules(),
		},
	}
}

func pythonRules() *LanguageRules {
	return &LanguageRules{
		Sources: []SourceRule{
			{Pattern: "input", Category: schemas.SourceUserInput},
			{Pattern: "raw_input", Category: schemas.SourceUserInput},
			{Pattern: "request.args", Category: schemas.SourceUserInput},
			{Pattern: "request.form", Category: schemas.SourceUserInput},
			{Pattern: "request.values", Category: schemas.SourceUserInput},
			{Pattern: "request.get_json", Category: schemas.SourceUserInput},
			{Pattern: "request.cookies", Category: schemas.SourceUserInput},
			{Pattern: "sys.argv", Category: schemas.SourceUserInput},
			{Pattern: "recv", Category: schemas.SourceNetwork},
			{Pattern: "recvfrom", Category: schemas.SourceNetwork},
			{Pattern: "urlopen", Category: schemas.SourceNetwork},
			{Pattern: "requests.get", Category: schemas.SourceNetwork},
			{Pattern: "open", Category: schemas.SourceFile},
			{Pattern: "read", Category: schemas.SourceFile},
			{Pattern: "readline", Category: schemas.SourceFile},
			{Pattern: "readlines", Category: schemas.SourceFile},
			{Pattern: "os.environ", Category: schemas.SourceEnvironment},
			{Pattern: "os.getenv", Category: schemas.SourceEnvironment},
			{Pattern: "pickle.loads", Category: schemas.SourceDeserialization},
			{Pattern: "pickle.load", Category: schemas.SourceDeserialization},
			{Pattern: "yaml.load", Category: schemas.SourceDeserialization},
			{Pattern: "marshal.loads", Category: schemas.SourceDeserialization},
		},
		Sinks: []SinkRule{
			{Pattern: "eval", Kind: schemas.SinkCodeExecution},
			{Pattern: "exec", Kind: schemas.SinkCodeExecution},
			{Pattern: "compile", Kind: schemas.SinkCodeExecution},
			{Pattern: "os.system", Kind: schemas.SinkCodeExecution},
			{Pattern: "os.popen", Kind: schemas.SinkCodeExecution},
			{Pattern: "os.execv", Kind: schemas.SinkCodeExecution},
			{Pattern: "os.execve", Kind: schemas.SinkCodeExecution},
			{Pattern: "os.spawnv", Kind: schemas.SinkCodeExecution},
			{Pattern: "subprocess.call", Kind: schemas.SinkCodeExecution},
			{Pattern: "subprocess.run", Kind: schemas.SinkCodeExecution},
			{Pattern: "subprocess.Popen", Kind: schemas.SinkCodeExecution},
			{Pattern: "subprocess.check_output", Kind: schemas.SinkCodeExecution},
			{Pattern: "execute", Kind: schemas.SinkQueryExecution},
			{Pattern: "executemany", Kind: schemas.SinkQueryExecution},
			{Pattern: "executescript", Kind: schemas.SinkQueryExecution},
			{Pattern: "os.remove", Kind: schemas.SinkFilesystemWrite},
			{Pattern: "os.unlink", Kind: schemas.SinkFilesystemWrite},
			{Pattern: "os.rename", Kind: schemas.SinkFilesystemWrite},
			{Pattern: "shutil.rmtree", Kind: schemas.SinkFilesystemWrite},
			{Pattern: "shutil.copyfile", Kind: schemas.SinkFilesystemWrite},
			{Pattern: "send", Kind: schemas.SinkNetworkWrite},
			{Pattern: "sendall", Kind: schemas.SinkNetworkWrite},
			{Pattern: "requests.post", Kind: schemas.SinkNetworkWrite},
		},
		Sanitizers: []string{
			"html.escape",
			"re.escape",
			"bleach.clean",
			"shlex.quote",
			"urllib.parse.quote",
			"int",
			"str",
			"float",
			"bool",
			"len",
		},
	}
}

func javascriptRules() *LanguageRules {
	return &LanguageRules{
		Sources: []SourceRule{
			{Pattern: "location.hash", Category: schemas.SourceUserInput},
			{Pattern: "location.search", Category: schemas.SourceUserInput},
			{Pattern: "location.href", Category: schemas.SourceUserInput},
			{Pattern: "document.URL", Category: schemas.SourceUserInput},
			{Pattern: "document.cookie", Category: schemas.SourceUserInput},
			{Pattern: "document.referrer", Category: schemas.SourceUserInput},
			{Pattern: "window.name", Category: schemas.SourceUserInput},
			{Pattern: "prompt", Category: schemas.SourceUserInput},
			{Pattern: "req.query", Category: schemas.SourceUserInput},
			{Pattern: "req.body", Category: schemas.SourceUserInput},
			{Pattern: "req.params", Category: schemas.SourceUserInput},
			{Pattern: "req.headers", Category: schemas.SourceUserInput},
			{Pattern: "localStorage.getItem", Category: schemas.SourceUserInput},
			{Pattern: "sessionStorage.getItem", Category: schemas.SourceUserInput},
			{Pattern: "fetch", Category: schemas.SourceNetwork},
			{Pattern: "process.env", Category: schemas.SourceEnvironment},
			{Pattern: "process.argv", Category: schemas.SourceUserInput},
			{Pattern: "fs.readFile", Category: schemas.SourceFile},
			{Pattern: "fs.readFileSync", Category: schemas.SourceFile},
			{Pattern: "JSON.parse", Category: schemas.SourceDeserialization},
		},
		Sinks: []SinkRule{
			{Pattern: "eval", Kind: schemas.SinkCodeExecution},
			{Pattern: "Function", Kind: schemas.SinkCodeExecution},
			{Pattern: "setTimeout", Kind: schemas.SinkCodeExecution},
			{Pattern: "setInterval", Kind: schemas.SinkCodeExecution},
			{Pattern: "child_process.exec", Kind: schemas.SinkCodeExecution},
			{Pattern: "child_process.execSync", Kind: schemas.SinkCodeExecution},
			{Pattern: "child_process.spawn", Kind: schemas.SinkCodeExecution},
			{Pattern: "document.write", Kind: schemas.SinkMarkupWrite},
			{Pattern: "document.writeln", Kind: schemas.SinkMarkupWrite},
			{Pattern: "innerHTML", Kind: schemas.SinkMarkupWrite},
			{Pattern: "outerHTML", Kind: schemas.SinkMarkupWrite},
			{Pattern: "insertAdjacentHTML", Kind: schemas.SinkMarkupWrite},
			{Pattern: "query", Kind: schemas.SinkQueryExecution},
			{Pattern: "db.query", Kind: schemas.SinkQueryExecution},
			{Pattern: "fs.writeFile", Kind: schemas.SinkFilesystemWrite},
			{Pattern: "fs.writeFileSync", Kind: schemas.SinkFilesystemWrite},
			{Pattern: "fs.unlink", Kind: schemas.SinkFilesystemWrite},
			{Pattern: "res.send", Kind: schemas.SinkNetworkWrite},
			{Pattern: "res.write", Kind: schemas.SinkNetworkWrite},
			{Pattern: "XMLHttpRequest.send", Kind: schemas.SinkNetworkWrite},
		},
		Sanitizers: []string{
			"encodeURIComponent",
			"encodeURI",
			"escape",
			"DOMPurify.sanitize",
			"sanitizeHtml",
			"parseInt",
			"parseFloat",
			"Number",
			"Boolean",
			"JSON.stringify",
		},
	}
}
