// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configbag provides the layered, type-keyed store shared by every
// stage of a single call.
//
// Values are keyed by their Go type. A Bag is made of zero or more frozen
// base layers, which are shared by every call a client makes and are never
// written to, plus a private overlay that receives all per-call writes.
// Lookups consult the overlay first and then the base layers from the most
// recently added to the oldest.
//
//	base := configbag.NewLayer("client")
//	configbag.Put(base, retry.DefaultConfig())
//	frozen := base.Freeze()
//
//	bag := configbag.New(frozen)
//	configbag.Store(bag, endpoint.Params{Region: "us-west-2"})
//	params, ok := configbag.Load[endpoint.Params](bag)
//
// A Bag is owned by one call and is not safe for concurrent mutation.
// Frozen layers are immutable and may be shared freely.
package configbag

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// unset marks a key removed in a higher layer.
type unset struct{}

// Layer is a named, mutable set of typed values used to build base
// configuration before it is frozen.
type Layer struct {
	name   string
	values map[reflect.Type]any
}

// NewLayer creates an empty layer.
func NewLayer(name string) *Layer {
	return &Layer{name: name, values: make(map[reflect.Type]any)}
}

// Name returns the layer's name.
func (l *Layer) Name() string { return l.name }

// Len returns the number of keys stored in the layer, including unset markers.
func (l *Layer) Len() int { return len(l.values) }

// Freeze returns an immutable snapshot of the layer. Later writes to l are not
// visible through the snapshot.
func (l *Layer) Freeze() *FrozenLayer {
	values := make(map[reflect.Type]any, len(l.values))
	for k, v := range l.values {
		values[k] = v
	}
	return &FrozenLayer{name: l.name, values: values}
}

// FrozenLayer is an immutable layer that can be shared across calls.
type FrozenLayer struct {
	name   string
	values map[reflect.Type]any
}

// Name returns the layer's name.
func (f *FrozenLayer) Name() string { return f.name }

// Extend returns a mutable copy of f under a new name. A nil f yields an
// empty layer.
func (f *FrozenLayer) Extend(name string) *Layer {
	l := NewLayer(name)
	if f == nil {
		return l
	}
	for k, v := range f.values {
		l.values[k] = v
	}
	return l
}

// Put stores v in the layer under its type, replacing any previous value.
func Put[T any](l *Layer, v T) {
	l.values[reflect.TypeFor[T]()] = v
}

// Get reads a value of type T directly from a frozen layer.
func Get[T any](f *FrozenLayer) (T, bool) {
	return lookup[T](f.values)
}

// Bag is the per-call view over shared base layers plus a private overlay.
type Bag struct {
	base    []*FrozenLayer
	overlay map[reflect.Type]any
}

// New creates a bag over the given base layers. Layers later in the list take
// precedence over earlier ones.
func New(base ...*FrozenLayer) *Bag {
	layers := make([]*FrozenLayer, 0, len(base))
	for _, l := range base {
		if l != nil {
			layers = append(layers, l)
		}
	}
	return &Bag{base: layers, overlay: make(map[reflect.Type]any)}
}

// WithLayer returns a bag that adds layer on top of b's base layers. The
// overlay is not carried over.
func (b *Bag) WithLayer(layer *FrozenLayer) *Bag {
	base := make([]*FrozenLayer, len(b.base), len(b.base)+1)
	copy(base, b.base)
	return New(append(base, layer)...)
}

// Store writes v into the bag's overlay.
func Store[T any](b *Bag, v T) {
	b.overlay[reflect.TypeFor[T]()] = v
}

// Unset hides any value of type T stored in the base layers for the
// remainder of the call.
func Unset[T any](b *Bag) {
	b.overlay[reflect.TypeFor[T]()] = unset{}
}

// Load returns the most specific value of type T.
func Load[T any](b *Bag) (T, bool) {
	key := reflect.TypeFor[T]()
	if v, ok := b.overlay[key]; ok {
		return cast[T](v)
	}
	for i := len(b.base) - 1; i >= 0; i-- {
		if v, ok := b.base[i].values[key]; ok {
			return cast[T](v)
		}
	}
	var zero T
	return zero, false
}

// LoadOr returns the value of type T or def when absent.
func LoadOr[T any](b *Bag, def T) T {
	if v, ok := Load[T](b); ok {
		return v
	}
	return def
}

// Require returns the value of type T or an error naming the missing type.
func Require[T any](b *Bag) (T, error) {
	v, ok := Load[T](b)
	if !ok {
		return v, fmt.Errorf("configbag: no value of type %s", reflect.TypeFor[T]())
	}
	return v, nil
}

// String lists the layers and keys visible in the bag, for debug logging.
func (b *Bag) String() string {
	var sb strings.Builder
	sb.WriteString("overlay{")
	sb.WriteString(strings.Join(keyNames(b.overlay), ", "))
	sb.WriteString("}")
	for i := len(b.base) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, " %s{%s}", b.base[i].name, strings.Join(keyNames(b.base[i].values), ", "))
	}
	return sb.String()
}

func lookup[T any](values map[reflect.Type]any) (T, bool) {
	v, ok := values[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return cast[T](v)
}

func cast[T any](v any) (T, bool) {
	if _, removed := v.(unset); removed {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func keyNames(values map[reflect.Type]any) []string {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k.String())
	}
	sort.Strings(names)
	return names
}
