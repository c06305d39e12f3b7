package store

import (
	"fmt"
	"sort"

	json "github.com/json-iterator/go"

	"github.com/vulnpredict/vulnflow/api/schemas"
	"github.com/vulnpredict/vulnflow/internal/analysis/core"
	"github.com/vulnpredict/vulnflow/internal/analysis/flow"
	"github.com/vulnpredict/vulnflow/internal/analysis/symbols"
)

// The cache payload is a JSON document per file. Summaries carry maps
// keyed by structs, which do not marshal directly, so the codec flattens
// them into sorted arrays. Encoding is deterministic: identical summaries
// produce identical payloads.

type locationDoc struct {
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
	Col  int    `json:"col,omitempty"`
}

func encodeLocation(l core.Location) locationDoc {
	return locationDoc{File: l.File, Line: l.Line, Col: l.Col}
}

func (d locationDoc) location() core.Location {
	return core.Location{File: d.File, Line: d.Line, Col: d.Col}
}

type labelDoc struct {
	Param    int         `json:"param"`
	Category string      `json:"category,omitempty"`
	Origin   locationDoc `json:"origin,omitempty"`
}

func encodeLabels(set core.LabelSet) []labelDoc {
	labels := set.Sorted()
	if len(labels) == 0 {
		return nil
	}
	out := make([]labelDoc, len(labels))
	for i, l := range labels {
		out[i] = labelDoc{Param: l.Param, Category: string(l.Category), Origin: encodeLocation(l.Origin)}
	}
	return out
}

func decodeLabels(docs []labelDoc) core.LabelSet {
	var set core.LabelSet
	for _, d := range docs {
		set.Add(core.Label{
			Param:    d.Param,
			Category: schemas.SourceCategory(d.Category),
			Origin:   d.Origin.location(),
		})
	}
	return set
}

type stepDoc struct {
	Loc    locationDoc `json:"loc"`
	Symbol string      `json:"symbol"`
}

type hitDoc struct {
	Kind      string      `json:"kind"`
	Sink      locationDoc `json:"sink"`
	SinkName  string      `json:"sink_name"`
	ParamsIn  []int       `json:"params_in,omitempty"`
	Labels    []labelDoc  `json:"labels,omitempty"`
	Path      []stepDoc   `json:"path,omitempty"`
	Ambiguous bool        `json:"ambiguous,omitempty"`
	Unknown   bool        `json:"unknown,omitempty"`
}

type funcIDDoc struct {
	File string `json:"file"`
	Name string `json:"name"`
}

type callDoc struct {
	Path    []string    `json:"path"`
	Loc     locationDoc `json:"loc"`
	Targets []funcIDDoc `json:"targets,omitempty"`
	Opaque  bool        `json:"opaque,omitempty"`
}

type summaryDoc struct {
	Name          string        `json:"name"`
	Params        []string      `json:"params,omitempty"`
	ParamToReturn []bool        `json:"param_to_return,omitempty"`
	ReturnLabels  []labelDoc    `json:"return_labels,omitempty"`
	Hits          []hitDoc      `json:"hits,omitempty"`
	Suppressed    []locationDoc `json:"suppressed,omitempty"`
	Calls         []callDoc     `json:"calls,omitempty"`
}

func encodeSummaries(sums []*flow.Summary) ([]byte, error) {
	docs := make([]summaryDoc, 0, len(sums))
	for _, s := range sums {
		doc := summaryDoc{
			Name:          s.ID.Name,
			Params:        s.Params,
			ParamToReturn: s.ParamToReturn,
			ReturnLabels:  encodeLabels(s.ReturnLabels),
		}
		for _, h := range s.SortedHits() {
			hd := hitDoc{
				Kind:      string(h.Kind),
				Sink:      encodeLocation(h.Sink),
				SinkName:  h.SinkName,
				Labels:    encodeLabels(h.Labels),
				Ambiguous: h.Ambiguous,
				Unknown:   h.Unknown,
			}
			for _, p := range sortedParams(h.ParamsIn) {
				hd.ParamsIn = append(hd.ParamsIn, p)
			}
			for _, step := range h.Path {
				hd.Path = append(hd.Path, stepDoc{Loc: encodeLocation(step.Loc), Symbol: step.Symbol})
			}
			doc.Hits = append(doc.Hits, hd)
		}
		for _, loc := range sortedLocations(s.Suppressed) {
			doc.Suppressed = append(doc.Suppressed, encodeLocation(loc))
		}
		for _, c := range s.Calls {
			cd := callDoc{Path: c.Path, Loc: encodeLocation(c.Loc), Opaque: c.Opaque}
			for _, t := range c.Targets {
				cd.Targets = append(cd.Targets, funcIDDoc{File: t.File, Name: t.Name})
			}
			doc.Calls = append(doc.Calls, cd)
		}
		docs = append(docs, doc)
	}
	return json.ConfigCompatibleWithStandardLibrary.Marshal(docs)
}

func decodeSummaries(path string, payload []byte) ([]*flow.Summary, error) {
	var docs []summaryDoc
	if err := json.ConfigCompatibleWithStandardLibrary.Unmarshal(payload, &docs); err != nil {
		return nil, fmt.Errorf("decode cache payload: %w", err)
	}
	out := make([]*flow.Summary, 0, len(docs))
	for _, doc := range docs {
		id := symbols.FuncID{File: path, Name: doc.Name}
		sum := &flow.Summary{
			ID:            id,
			Params:        doc.Params,
			ParamToReturn: doc.ParamToReturn,
			ReturnLabels:  decodeLabels(doc.ReturnLabels),
		}
		for _, hd := range doc.Hits {
			hit := &flow.SinkHit{
				Kind:      schemas.SinkKind(hd.Kind),
				Sink:      hd.Sink.location(),
				SinkName:  hd.SinkName,
				ParamsIn:  make(map[int]bool, len(hd.ParamsIn)),
				Labels:    decodeLabels(hd.Labels),
				Ambiguous: hd.Ambiguous,
				Unknown:   hd.Unknown,
			}
			for _, p := range hd.ParamsIn {
				hit.ParamsIn[p] = true
			}
			for _, sd := range hd.Path {
				hit.Path = append(hit.Path, flow.Step{Loc: sd.Loc.location(), Symbol: sd.Symbol})
			}
			key := flow.HitKey{Kind: hit.Kind, Sink: hit.Sink}
			if len(hit.Path) > 0 {
				key.Head = hit.Path[0].Loc
			}
			if sum.Hits == nil {
				sum.Hits = make(map[flow.HitKey]*flow.SinkHit)
			}
			sum.Hits[key] = hit
		}
		for _, ld := range doc.Suppressed {
			if sum.Suppressed == nil {
				sum.Suppressed = make(map[core.Location]bool)
			}
			sum.Suppressed[ld.location()] = true
		}
		for _, cd := range doc.Calls {
			call := flow.CallSite{Caller: id, Path: cd.Path, Loc: cd.Loc.location(), Opaque: cd.Opaque}
			for _, t := range cd.Targets {
				call.Targets = append(call.Targets, symbols.FuncID{File: t.File, Name: t.Name})
			}
			sum.Calls = append(sum.Calls, call)
		}
		out = append(out, sum)
	}
	return out, nil
}

func sortedParams(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func sortedLocations(set map[core.Location]bool) []core.Location {
	out := make([]core.Location, 0, len(set))
	for loc := range set {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
