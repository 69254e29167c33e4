// Package registry maps human-readable model names to engine-loadable
// identifiers. The registry is fixed at startup; lookups are pure and safe
// for concurrent use.
package registry

import (
	"fmt"
	"strings"
)

// QuantSuffix is the canonical quantization suffix appended to a bare display
// name to form the engine-loadable identifier.
const QuantSuffix = "q4f16_1-MLC"

// ModelDescriptor maps a display name to the identifier the engine loads.
type ModelDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Option is a {value, label} pair for model-selection UIs.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// UnknownModelError reports a model name that matched no descriptor. Known
// carries the valid display names for user-facing reporting.
type UnknownModelError struct {
	Requested string
	Known     []string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q; available models: %s", e.Requested, strings.Join(e.Known, ", "))
}

// Registry holds the fixed set of model descriptors.
type Registry struct {
	descriptors []ModelDescriptor
	byID        map[string]ModelDescriptor
	byName      map[string]ModelDescriptor
}

// New builds a Registry from descriptors. Both ids and display names must be
// unique across the set.
func New(descriptors []ModelDescriptor) (*Registry, error) {
	r := &Registry{
		descriptors: make([]ModelDescriptor, len(descriptors)),
		byID:        make(map[string]ModelDescriptor, len(descriptors)),
		byName:      make(map[string]ModelDescriptor, len(descriptors)),
	}
	copy(r.descriptors, descriptors)

	for _, d := range descriptors {
		if d.ID == "" || d.DisplayName == "" {
			return nil, fmt.Errorf("descriptor %+v: id and display name are required", d)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", d.ID)
		}
		if _, dup := r.byName[d.DisplayName]; dup {
			return nil, fmt.Errorf("duplicate model display name %q", d.DisplayName)
		}
		r.byID[d.ID] = d
		r.byName[d.DisplayName] = d
	}
	return r, nil
}

// Default returns the built-in registry of supported models.
func Default() *Registry {
	r, err := New([]ModelDescriptor{
		{ID: "Llama-3.2-1B-Instruct-" + QuantSuffix, DisplayName: "Llama-3.2-1B-Instruct"},
		{ID: "Llama-3.2-3B-Instruct-" + QuantSuffix, DisplayName: "Llama-3.2-3B-Instruct"},
		{ID: "Phi-3.5-mini-instruct-" + QuantSuffix, DisplayName: "Phi-3.5-mini-instruct"},
		{ID: "Qwen2.5-0.5B-Instruct-" + QuantSuffix, DisplayName: "Qwen2.5-0.5B-Instruct"},
		{ID: "Qwen2.5-1.5B-Instruct-" + QuantSuffix, DisplayName: "Qwen2.5-1.5B-Instruct"},
	})
	if err != nil {
		// The built-in set is static; a failure here is a programming error.
		panic(err)
	}
	return r
}

// Resolve returns the descriptor for an engine id or display name. Bare
// display names are normalized by appending the canonical quantization
// suffix before the id lookup.
func (r *Registry) Resolve(nameOrID string) (ModelDescriptor, error) {
	nameOrID = strings.TrimSpace(nameOrID)

	if d, ok := r.byID[nameOrID]; ok {
		return d, nil
	}
	if d, ok := r.byName[nameOrID]; ok {
		return d, nil
	}
	if !strings.HasSuffix(nameOrID, QuantSuffix) {
		if d, ok := r.byID[nameOrID+"-"+QuantSuffix]; ok {
			return d, nil
		}
	}

	return ModelDescriptor{}, &UnknownModelError{Requested: nameOrID, Known: r.DisplayNames()}
}

// Descriptors returns all registered descriptors in declaration order.
func (r *Registry) Descriptors() []ModelDescriptor {
	out := make([]ModelDescriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// DisplayNames returns all display names in declaration order.
func (r *Registry) DisplayNames() []string {
	names := make([]string, len(r.descriptors))
	for i, d := range r.descriptors {
		names[i] = d.DisplayName
	}
	return names
}

// Options returns the registry as {value, label} pairs for UI selection,
// with the engine id as value and the display name as label.
func (r *Registry) Options() []Option {
	opts := make([]Option, len(r.descriptors))
	for i, d := range r.descriptors {
		opts[i] = Option{Value: d.ID, Label: d.DisplayName}
	}
	return opts
}
