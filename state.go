package workflow

import (
	"fmt"
	"reflect"
)

// State is a mapping from named channels to values. A step returns a partial
// State holding only the channels it updated; the schema's reducers combine
// each partial update with the existing value. All channel values must be
// JSON-serializable so the full state survives checkpointing.
type State map[string]any

// Copy returns a shallow copy of the state.
func (s State) Copy() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ChannelKind selects the merge function used to combine an existing channel
// value with an incoming partial update.
type ChannelKind string

const (
	// ChannelLastValue replaces the existing value with the update.
	ChannelLastValue ChannelKind = "last_value"

	// ChannelAppend appends the update to the existing list.
	ChannelAppend ChannelKind = "append"

	// ChannelMergeByKey merges the update into the existing list of keyed
	// items: an item whose key matches an existing item replaces it in
	// place, anything else is appended.
	ChannelMergeByKey ChannelKind = "merge_by_key"

	// ChannelDeepMerge merges the update map into the existing map,
	// recursing into values that are themselves maps.
	ChannelDeepMerge ChannelKind = "deep_merge"
)

// ChannelDef declares a state channel and its reducer.
type ChannelDef struct {
	Name string      `json:"name" yaml:"name"`
	Kind ChannelKind `json:"kind" yaml:"kind"`

	// MergeKey names the item field used for identity under ChannelMergeByKey.
	MergeKey string `json:"merge_key,omitempty" yaml:"merge_key,omitempty"`
}

// Schema declares the channels of a workflow state and applies partial
// updates deterministically.
type Schema struct {
	channels map[string]ChannelDef
}

// NewSchema creates a schema from a set of channel definitions.
func NewSchema(defs ...ChannelDef) (*Schema, error) {
	channels := make(map[string]ChannelDef, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("channel name required")
		}
		if _, exists := channels[def.Name]; exists {
			return nil, fmt.Errorf("duplicate channel %q", def.Name)
		}
		switch def.Kind {
		case ChannelLastValue, ChannelAppend, ChannelDeepMerge:
		case ChannelMergeByKey:
			if def.MergeKey == "" {
				return nil, fmt.Errorf("channel %q: merge key required", def.Name)
			}
		default:
			return nil, fmt.Errorf("channel %q: unknown kind %q", def.Name, def.Kind)
		}
		channels[def.Name] = def
	}
	return &Schema{channels: channels}, nil
}

// Channel returns the definition of a named channel.
func (s *Schema) Channel(name string) (ChannelDef, bool) {
	def, ok := s.channels[name]
	return def, ok
}

// Apply merges a partial update into the current state, channel by channel,
// and returns the resulting state. Neither input is mutated. Channels not
// declared in the schema merge last-value-wins.
func (s *Schema) Apply(current State, update State) State {
	result := current.Copy()
	for name, value := range update {
		def, ok := s.channels[name]
		if !ok {
			result[name] = value
			continue
		}
		switch def.Kind {
		case ChannelAppend:
			result[name] = appendValues(result[name], value)
		case ChannelMergeByKey:
			result[name] = mergeByKey(result[name], value, def.MergeKey)
		case ChannelDeepMerge:
			result[name] = deepMerge(result[name], value)
		default:
			result[name] = value
		}
	}
	return result
}

func toSlice(v any) []any {
	switch vv := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(vv))
		copy(out, vv)
		return out
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				out[i] = rv.Index(i).Interface()
			}
			return out
		}
		return []any{v}
	}
}

func appendValues(current, update any) []any {
	return append(toSlice(current), toSlice(update)...)
}

func mergeByKey(current, update any, key string) []any {
	result := toSlice(current)
	for _, item := range toSlice(update) {
		id, ok := itemKey(item, key)
		if !ok {
			result = append(result, item)
			continue
		}
		replaced := false
		for i, existing := range result {
			if existingID, ok := itemKey(existing, key); ok && existingID == id {
				result[i] = item
				replaced = true
				break
			}
		}
		if !replaced {
			result = append(result, item)
		}
	}
	return result
}

func itemKey(item any, key string) (string, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m[key].(string)
	return id, ok && id != ""
}

func deepMerge(current, update any) map[string]any {
	base, _ := current.(map[string]any)
	incoming, _ := update.(map[string]any)
	result := make(map[string]any, len(base)+len(incoming))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range incoming {
		if existing, ok := result[k].(map[string]any); ok {
			if vm, ok := v.(map[string]any); ok {
				result[k] = deepMerge(existing, vm)
				continue
			}
		}
		result[k] = v
	}
	return result
}
