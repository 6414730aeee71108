package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Clean trims slashes and collapses empty segments
func Clean(path string) string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

func Join(parts ...string) string {
	return Clean(strings.Join(parts, "/"))
}

// Within reports whether path equals prefix or lies below it
func Within(path, prefix string) bool {
	path, prefix = Clean(path), Clean(prefix)
	if prefix == "" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Related reports whether a change at one path can affect the value at the other
func Related(a, b string) bool {
	return Within(a, b) || Within(b, a)
}

// Flatten turns value into leaf values keyed by their full path. Maps and slices become
// inner nodes; everything else is a leaf. Nil and empty containers produce no leaves.
func Flatten(path string, value any) (map[string]any, error) {
	leaves := make(map[string]any)
	if err := flatten(Clean(path), value, leaves); err != nil {
		return nil, err
	}
	return leaves, nil
}

func flatten(path string, value any, leaves map[string]any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case ServerValue, string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		if path == "" {
			return fmt.Errorf("cannot write leaf value %v at the root", v)
		}
		leaves[path] = v
		return nil
	case map[string]any:
		for k, child := range v {
			if strings.Contains(k, "/") || k == "" {
				return fmt.Errorf("invalid key %q under %q", k, path)
			}
			if err := flatten(Join(path, k), child, leaves); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range v {
			if err := flatten(Join(path, strconv.Itoa(i)), child, leaves); err != nil {
				return err
			}
		}
		return nil
	default:
		// typed structs, maps and slices go through their JSON form
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode value at %q: %w", path, err)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		return flatten(path, generic, leaves)
	}
}

// Assemble rebuilds the value at prefix from leaves keyed by full path.
// Inner nodes whose keys are all small non-negative integers become slices.
func Assemble(prefix string, leaves map[string]any) (any, bool) {
	prefix = Clean(prefix)
	if v, ok := leaves[prefix]; ok && prefix != "" {
		return v, true
	}

	root := make(map[string]any)
	found := false
	for path, v := range leaves {
		if !Within(path, prefix) || path == prefix {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")
		insert(root, strings.Split(rel, "/"), v)
		found = true
	}

	if !found {
		return nil, false
	}
	return arrayify(root), true
}

func insert(node map[string]any, parts []string, v any) {
	if len(parts) == 1 {
		node[parts[0]] = v
		return
	}

	child, ok := node[parts[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		node[parts[0]] = child
	}
	insert(child, parts[1:], v)
}

func arrayify(v any) any {
	node, ok := v.(map[string]any)
	if !ok {
		return v
	}

	maxIndex := -1
	indexed := true
	for k, child := range node {
		node[k] = arrayify(child)
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || strconv.Itoa(i) != k {
			indexed = false
			continue
		}
		maxIndex = max(maxIndex, i)
	}

	// same heuristic as the realtime database: sparse keys stay a map
	if !indexed || len(node) == 0 || maxIndex >= 2*len(node) {
		return node
	}

	list := make([]any, maxIndex+1)
	for k, child := range node {
		i, _ := strconv.Atoi(k)
		list[i] = child
	}
	return list
}

// Resolve replaces server placeholders with their values at now
func Resolve(leaves map[string]any, now time.Time) {
	for path, v := range leaves {
		if sv, ok := v.(ServerValue); ok && sv == ServerTimestamp {
			leaves[path] = now.UnixMilli()
		}
	}
}

// SortedPaths returns the keys of updates in a stable order
func SortedPaths[V any](updates map[string]V) []string {
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// EncodeLeaf serializes a leaf for backends that store text
func EncodeLeaf(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeLeaf(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("corrupt leaf %q: %w", s, err)
	}
	return v, nil
}

// AsInt reads a numeric leaf regardless of how the backend decoded it
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
