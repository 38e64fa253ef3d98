package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is one engine node: a class tag plus its inputs. An input is a scalar,
// a {{token}} string or an edge [source_node_id, output_index].
type Node struct {
	ClassType string         `json:"class_type" yaml:"class_type"`
	Inputs    map[string]any `json:"inputs" yaml:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty" yaml:"_meta,omitempty"`
}

// Graph is a node-keyed mapping the engine executes
type Graph map[string]Node

// UnmarshalJSON accepts the mapping itself or a JSON string carrying it,
// since admin stores keep workflow_json either way.
func (g *Graph) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*g = Graph{}
			return nil
		}
		data = []byte(inner)
	}
	if trimmed == "null" {
		*g = nil
		return nil
	}
	m := map[string]Node{}
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}
	*g = m
	return nil
}

// UnmarshalYAML accepts a mapping or a scalar holding the JSON text
func (g *Graph) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return g.UnmarshalJSON([]byte(value.Value))
	}
	m := map[string]Node{}
	if err := value.Decode(&m); err != nil {
		return err
	}
	*g = m
	return nil
}

// Clone deep-copies the graph so templates stay read-only
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, n := range g {
		out[id] = Node{
			ClassType: n.ClassType,
			Inputs:    cloneMap(n.Inputs),
			Meta:      cloneMap(n.Meta),
		}
	}
	return out
}

// IDs returns node ids sorted numerically when possible, lexically otherwise
func (g Graph) IDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		if errA == nil {
			return true
		}
		if errB == nil {
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}

// NodesOf returns the ids of nodes whose class matches, in IDs order
func (g Graph) NodesOf(match func(classType string) bool) []string {
	var out []string
	for _, id := range g.IDs() {
		if match(g[id].ClassType) {
			out = append(out, id)
		}
	}
	return out
}

// NextID returns an unused numeric node id
func (g Graph) NextID() string {
	max := 0
	for id := range g {
		if n, err := strconv.Atoi(id); err == nil && n > max {
			max = n
		}
	}
	for {
		max++
		id := strconv.Itoa(max)
		if _, taken := g[id]; !taken {
			return id
		}
	}
}

// SetInput writes one input on an existing node
func (g Graph) SetInput(id, key string, value any) {
	n, ok := g[id]
	if !ok {
		return
	}
	if n.Inputs == nil {
		n.Inputs = map[string]any{}
	}
	n.Inputs[key] = value
	g[id] = n
}

// HasInput reports whether the node declares the input key
func (g Graph) HasInput(id, key string) bool {
	_, ok := g[id].Inputs[key]
	return ok
}

// Remove deletes nodes and every edge pointing at them
func (g Graph) Remove(ids ...string) {
	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		delete(g, id)
		gone[id] = true
	}
	for id, n := range g {
		for k, v := range n.Inputs {
			if src, _, ok := AsEdge(v); ok && gone[src] {
				delete(n.Inputs, k)
			}
		}
		g[id] = n
	}
}

// Edge builds an input linking to output index of node src
func Edge(src string, index int) []any {
	return []any{src, index}
}

// AsEdge reports whether v is a [node_id, output_index] pair
func AsEdge(v any) (string, int, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return "", 0, false
	}
	src, ok := arr[0].(string)
	if !ok {
		return "", 0, false
	}
	switch idx := arr[1].(type) {
	case int:
		return src, idx, true
	case float64:
		return src, int(idx), true
	case int64:
		return src, int(idx), true
	}
	return "", 0, false
}

// MarshalCanonical renders the graph with sorted keys; equal graphs give equal bytes
func (g Graph) MarshalCanonical() ([]byte, error) {
	return json.Marshal(map[string]Node(g))
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	}
	return v
}
