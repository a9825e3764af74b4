// Package workflow loads ComfyUI workflow templates and patches request
// parameters into them.
//
// A template is a static deployment artifact: it is loaded once, treated as
// immutable, and cloned for every request before any field is overwritten.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Graph is a ComfyUI workflow in API format: node ID to node definition.
// Values are kept as decoded JSON (maps, slices, json.Number, strings, bools)
// so fields the patcher does not touch survive a round trip unchanged.
type Graph map[string]any

// Decode parses a workflow document. Numbers are kept as json.Number.
func Decode(data []byte) (Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var g Graph
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if g == nil {
		return nil, fmt.Errorf("decode workflow: document is null")
	}
	return g, nil
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	if g == nil {
		return nil
	}
	out := make(Graph, len(g))
	for k, v := range g {
		out[k] = cloneValue(v)
	}
	return out
}

// HasNode reports whether the graph contains the node ID.
func (g Graph) HasNode(id string) bool {
	_, ok := g[id]
	return ok
}

// Lookup returns the value at node/path, if every segment exists.
func (g Graph) Lookup(node string, path ...string) (any, bool) {
	cur, ok := g[node]
	if !ok {
		return nil, false
	}
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// set overwrites the leaf at node/path. Every map above the leaf must already
// exist; the leaf itself may be new.
func (g Graph) set(node string, path []string, value any) bool {
	if len(path) == 0 {
		return false
	}
	cur, ok := g[node].(map[string]any)
	if !ok {
		return false
	}
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
	return true
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
