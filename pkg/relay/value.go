package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// normalize converts v to the canonical tree form: objects become
// map[string]any, numbers json.Number, and nulls and empty objects are
// pruned. A nil result means "no value".
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("relay: encode value: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("relay: decode value: %w", err)
	}
	if err := checkKeys(out); err != nil {
		return nil, err
	}
	return prune(out), nil
}

func checkKeys(v any) error {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			if k == "" || strings.ContainsAny(k, reservedChars+"/") {
				return fmt.Errorf("%w: object key %q", ErrInvalidPath, k)
			}
			if err := checkKeys(c); err != nil {
				return err
			}
		}
	case []any:
		for _, c := range t {
			if err := checkKeys(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			if pc := prune(c); pc == nil {
				delete(t, k)
			} else {
				t[k] = pc
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		for i := range t {
			t[i] = prune(t[i])
		}
		return t
	default:
		return t
	}
}

// encode marshals a tree node. A nil node encodes as nil.
func encode(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// sameValue reports whether node v holds expected. An absent node matches
// nothing.
func sameValue(v any, expected json.RawMessage) bool {
	if v == nil {
		return false
	}
	want, err := normalize(expected)
	if err != nil || want == nil {
		return false
	}
	return bytes.Equal(encode(v), encode(want))
}

// getNode returns the node at segs, or nil.
func getNode(root map[string]any, segs []string) any {
	var cur any = root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[s]
		if cur == nil {
			return nil
		}
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return cur
}

// setNode stores v at segs, replacing scalars on the way down, and prunes
// ancestors emptied by a delete. A nil v deletes.
func setNode(root map[string]any, segs []string, v any) {
	if len(segs) == 0 {
		return
	}
	m := root
	parents := []map[string]any{root}
	for _, s := range segs[:len(segs)-1] {
		next, ok := m[s].(map[string]any)
		if !ok {
			if v == nil {
				return
			}
			next = map[string]any{}
			m[s] = next
		}
		m = next
		parents = append(parents, m)
	}

	last := segs[len(segs)-1]
	if v == nil {
		delete(m, last)
	} else {
		m[last] = v
	}

	for i := len(parents) - 1; i > 0; i-- {
		if len(parents[i]) != 0 {
			break
		}
		delete(parents[i-1], segs[i-1])
	}
}

// childKeys returns the sorted child names of an object node.
func childKeys(node any) []string {
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// walkTree visits every object node and every leaf of v rooted at base.
func walkTree(base string, v any, object func(path string, children []string), leaf func(path string, raw json.RawMessage)) {
	m, ok := v.(map[string]any)
	if !ok {
		leaf(base, encode(v))
		return
	}
	keys := childKeys(m)
	object(base, keys)
	for _, k := range keys {
		walkTree(Join(base, k), m[k], object, leaf)
	}
}
