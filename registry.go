// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import (
	"fmt"
	"reflect"
)

// Registry maps wire type names to Go types and back. It is built once at
// startup with a RegistryBuilder and is read-only afterwards.
type Registry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
}

// RegistryBuilder collects type registrations for a Registry.
type RegistryBuilder struct {
	reg *Registry
}

// NewRegistryBuilder returns an empty RegistryBuilder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		reg: &Registry{
			types: make(map[string]reflect.Type),
			names: make(map[reflect.Type]string),
		},
	}
}

// Register maps name to the dynamic type of sample. Pointer samples register
// the pointer type, which is what error values usually are.
// It panics on duplicate names or types, or after Build.
func (b *RegistryBuilder) Register(name string, sample interface{}) *RegistryBuilder {
	if b.reg == nil {
		panic("RegistryBuilder.Register(): called after Build")
	}
	t := reflect.TypeOf(sample)
	if t == nil || name == "" {
		panic("RegistryBuilder.Register(): needs a name and a non-nil sample")
	}
	if prev, ok := b.reg.types[name]; ok {
		panic(fmt.Sprintf("RegistryBuilder.Register(): %q already registered as %v", name, prev))
	}
	if prev, ok := b.reg.names[t]; ok {
		panic(fmt.Sprintf("RegistryBuilder.Register(): %v already registered as %q", t, prev))
	}
	b.reg.types[name] = t
	b.reg.names[t] = name
	return b
}

// Build returns the Registry. The builder cannot be used afterwards.
func (b *RegistryBuilder) Build() *Registry {
	reg := b.reg
	b.reg = nil
	return reg
}

// Resolve returns the type registered for name.
func (reg *Registry) Resolve(name string) (reflect.Type, bool) {
	if reg == nil {
		return nil, false
	}
	t, ok := reg.types[name]
	return t, ok
}

// NameOf returns the name registered for the dynamic type of v.
func (reg *Registry) NameOf(v interface{}) (string, bool) {
	if reg == nil {
		return "", false
	}
	name, ok := reg.names[reflect.TypeOf(v)]
	return name, ok
}

// Len returns the number of registered types.
func (reg *Registry) Len() int {
	if reg == nil {
		return 0
	}
	return len(reg.types)
}
