// Package registry describes the classifiers the service can explain: how to
// call them, how to normalize their input and which layers can be inspected.
// A Registry is built once at startup and is read-only afterwards.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/Brownie44l1/cnn-lens/internal/model"
)

var ErrModelNotFound = errors.New("model not found")

// LayerRef names a layer directly or by its position in the network's
// forward layer order (position 0 is the input layer).
type LayerRef struct {
	Name       string
	Index      int
	Positional bool
}

func Named(name string) LayerRef { return LayerRef{Name: name} }

func Positional(index int) LayerRef { return LayerRef{Index: index, Positional: true} }

func (r LayerRef) String() string {
	if r.Positional {
		return "#" + strconv.Itoa(r.Index)
	}
	return r.Name
}

// UnmarshalJSON accepts either a layer name or an integer position.
func (r *LayerRef) UnmarshalJSON(b []byte) error {
	var idx int
	if err := json.Unmarshal(b, &idx); err == nil {
		*r = Positional(idx)
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("layer must be a name or an index, got %s", b)
	}
	*r = Named(name)
	return nil
}

func (r LayerRef) MarshalJSON() ([]byte, error) {
	if r.Positional {
		return json.Marshal(r.Index)
	}
	return json.Marshal(r.Name)
}

// Entry is the input to New for one model.
type Entry struct {
	ID          string
	Network     model.Network
	Preprocess  Preprocessor
	InputHeight int
	InputWidth  int
	Classes     []string

	// Layers lists the inspectable layers. Empty means every layer after
	// the input.
	Layers []LayerRef
}

type ModelDescriptor struct {
	ID          string
	Network     model.Network
	Preprocess  Preprocessor
	InputHeight int
	InputWidth  int
	Classes     []string

	layers []string
}

// Layers returns the canonical inspectable layer names in order.
func (d *ModelDescriptor) Layers() []string {
	return slices.Clone(d.layers)
}

// Label returns the class name for a score index, or "" when unknown.
func (d *ModelDescriptor) Label(class int) string {
	if class < 0 || class >= len(d.Classes) {
		return ""
	}
	return d.Classes[class]
}

type Registry struct {
	models map[string]*ModelDescriptor
	ids    []string
}

// New builds a registry and resolves every positional layer reference to the
// layer name it points at.
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{models: make(map[string]*ModelDescriptor, len(entries))}
	for _, e := range entries {
		d, err := describe(e)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", e.ID, err)
		}
		if _, dup := r.models[d.ID]; dup {
			return nil, fmt.Errorf("model %q registered twice", d.ID)
		}
		r.models[d.ID] = d
		r.ids = append(r.ids, d.ID)
	}
	slices.Sort(r.ids)
	return r, nil
}

func describe(e Entry) (*ModelDescriptor, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("model id is empty")
	}
	if e.Network == nil {
		return nil, fmt.Errorf("no network")
	}
	if e.InputHeight <= 0 || e.InputWidth <= 0 {
		return nil, fmt.Errorf("invalid input size %dx%d", e.InputHeight, e.InputWidth)
	}
	pre := e.Preprocess
	if pre == nil {
		pre = Identity
	}

	all := e.Network.Layers()
	if len(all) == 0 {
		return nil, fmt.Errorf("network reports no layers")
	}
	refs := e.Layers
	if len(refs) == 0 {
		for i := 1; i < len(all); i++ {
			refs = append(refs, Positional(i))
		}
	}

	layers := make([]string, 0, len(refs))
	for _, ref := range refs {
		name, err := resolve(ref, all)
		if err != nil {
			return nil, err
		}
		if slices.Contains(layers, name) {
			return nil, fmt.Errorf("layer %q listed twice", name)
		}
		layers = append(layers, name)
	}

	return &ModelDescriptor{
		ID:          e.ID,
		Network:     e.Network,
		Preprocess:  pre,
		InputHeight: e.InputHeight,
		InputWidth:  e.InputWidth,
		Classes:     slices.Clone(e.Classes),
		layers:      layers,
	}, nil
}

func resolve(ref LayerRef, all []string) (string, error) {
	if ref.Positional {
		if ref.Index < 0 || ref.Index >= len(all) {
			return "", fmt.Errorf("%w: index %d out of range [0,%d)", model.ErrLayerNotFound, ref.Index, len(all))
		}
		return all[ref.Index], nil
	}
	if !slices.Contains(all, ref.Name) {
		return "", fmt.Errorf("%w: %q", model.ErrLayerNotFound, ref.Name)
	}
	return ref.Name, nil
}

func (r *Registry) Describe(id string) (*ModelDescriptor, error) {
	d, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, id)
	}
	return d, nil
}

// List maps every model id to its ordered inspectable layer names.
func (r *Registry) List() map[string][]string {
	out := make(map[string][]string, len(r.models))
	for id, d := range r.models {
		out[id] = d.Layers()
	}
	return out
}

// IDs returns the registered model ids in sorted order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.ids)
}
