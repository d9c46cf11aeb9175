// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry tracks the protected variables of one rank: user
// memory regions that must survive process or node failure, per
// spec.md §3-§4.B. The registry holds a reference to the caller's bytes,
// never ownership; between checkpoints it does not copy them.
package registry

import (
	"fmt"
	"sync"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// Placement tags where a variable's bytes actually live.
type Placement int

const (
	PlacementDefault Placement = iota
	PlacementSlow
	PlacementFast
	PlacementDevice
)

// TypeKind distinguishes a primitive element type from a composite.
type TypeKind int

const (
	KindPrimitive TypeKind = iota
	KindComposite
)

// TypeRef identifies a registered type descriptor.
type TypeRef int

// Field describes one member of a composite type.
type Field struct {
	Type       TypeRef
	ByteOffset int
	Dims       []int
	Name       string
}

// TypeDescriptor is either a primitive (fixed element size) or a
// composite (DAG of named fields), per spec.md §3.
type TypeDescriptor struct {
	Kind     TypeKind
	Name     string
	EleSize  int     // byte width, meaningful for KindPrimitive
	Fields   []Field // meaningful for KindComposite
}

// HostSyncFunc pulls a device-resident variable's current bytes into its
// host staging buffer. Models spec.md §9's GPU-staging capability without
// leaking any specific memory vocabulary into the core.
type HostSyncFunc func(dst []byte) error

// Var is one entry in the registry: a protected variable.
type Var struct {
	ID        int
	Ptr       []byte // current view of the user's memory; len == Count*EleSize
	Count     int
	EleSize   int
	Type      TypeRef
	Dims      []int // optional, for structured output
	Placement Placement

	hostSync     HostSyncFunc
	needsSync    bool
	datasetName  string
	datasetGroup string
}

// Size returns the variable's total protected byte size.
func (v *Var) Size() int { return v.Count * v.EleSize }

// HostBytes returns bytes ready for a serializer to read: for host-backed
// placements this is Ptr directly; for PlacementDevice it first runs
// hostSync to refresh Ptr, satisfying the invariant that a device-backed
// variable requires host staging before any serializer reads it.
func (v *Var) HostBytes() ([]byte, error) {
	if v.Placement == PlacementDevice && v.needsSync {
		if v.hostSync == nil {
			return nil, fmt.Errorf("variable %d is device-placed but has no host-sync callback", v.ID)
		}
		if err := v.hostSync(v.Ptr); err != nil {
			return nil, fmt.Errorf("host-sync variable %d: %w", v.ID, err)
		}
		v.needsSync = false
	}
	return v.Ptr, nil
}

// Registry is the per-rank protected-variable table. Safe for concurrent
// use; the application thread and the library's own checkpoint goroutine
// may call it from different goroutines (the head process never touches
// it, per spec.md §5).
type Registry struct {
	mu       sync.RWMutex
	vars     map[int]*Var
	order    []int // registration order, for FTI-FF chunk determinism
	types    map[TypeRef]TypeDescriptor
	nextType TypeRef
}

// New returns an empty Registry seeded with the primitive types every FTI
// deployment needs (spec.md's "fixed width int/float/char families").
func New() *Registry {
	r := &Registry{
		vars:  make(map[int]*Var),
		types: make(map[TypeRef]TypeDescriptor),
	}
	for _, p := range primitiveTypes {
		r.types[r.nextType] = p
		r.nextType++
	}
	return r
}

var primitiveTypes = []TypeDescriptor{
	{Kind: KindPrimitive, Name: "char", EleSize: 1},
	{Kind: KindPrimitive, Name: "int8", EleSize: 1},
	{Kind: KindPrimitive, Name: "int16", EleSize: 2},
	{Kind: KindPrimitive, Name: "int32", EleSize: 4},
	{Kind: KindPrimitive, Name: "int64", EleSize: 8},
	{Kind: KindPrimitive, Name: "uint8", EleSize: 1},
	{Kind: KindPrimitive, Name: "uint16", EleSize: 2},
	{Kind: KindPrimitive, Name: "uint32", EleSize: 4},
	{Kind: KindPrimitive, Name: "uint64", EleSize: 8},
	{Kind: KindPrimitive, Name: "float32", EleSize: 4},
	{Kind: KindPrimitive, Name: "float64", EleSize: 8},
}

// Known primitive TypeRefs, matching the order primitiveTypes is seeded in.
const (
	TypeChar TypeRef = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
)

// Type returns the descriptor for ref.
func (r *Registry) Type(ref TypeRef) (TypeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.types[ref]
	return td, ok
}

// DefineComposite registers a composite type built from fields, rejecting
// cycles eagerly (spec.md §3: "Composites are a DAG (no cycles)").
func (r *Registry) DefineComposite(name string, fields []Field) (TypeRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := r.nextType
	td := TypeDescriptor{Kind: KindComposite, Name: name, Fields: fields}

	// Tentatively register, then DFS for cycles through the full type
	// table; roll back on failure so a rejected definition never becomes
	// visible to later type lookups.
	r.types[ref] = td
	if err := detectCycle(r.types, ref, make(map[TypeRef]int)); err != nil {
		delete(r.types, ref)
		return 0, err
	}
	r.nextType++
	return ref, nil
}

const (
	stateVisiting = 1
	stateDone     = 2
)

func detectCycle(types map[TypeRef]TypeDescriptor, ref TypeRef, state map[TypeRef]int) error {
	if state[ref] == stateDone {
		return nil
	}
	if state[ref] == stateVisiting {
		return fmt.Errorf("%w: composite type cycle detected at type %d", ftierrors.ErrConfigInvalid, ref)
	}
	state[ref] = stateVisiting
	td := types[ref]
	for _, f := range td.Fields {
		if err := detectCycle(types, f.Type, state); err != nil {
			return err
		}
	}
	state[ref] = stateDone
	return nil
}

// Protect registers id with ptr/count/typeRef. If id is already live, its
// entry is updated in place; use ProtectNew to reject a live id.
func (r *Registry) Protect(id int, ptr []byte, count int, typeRef TypeRef) error {
	return r.protectSized(id, ptr, count, typeRef, PlacementDefault, nil)
}

// ProtectDevice is Protect for a device-resident variable: ptr is the host
// staging buffer, and sync is invoked on demand before any serializer
// reads it.
func (r *Registry) ProtectDevice(id int, ptr []byte, count int, typeRef TypeRef, sync HostSyncFunc) error {
	return r.protectSized(id, ptr, count, typeRef, PlacementDevice, sync)
}

func (r *Registry) protectSized(id int, ptr []byte, count int, typeRef TypeRef, placement Placement, sync HostSyncFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[typeRef]; !ok {
		return fmt.Errorf("%w: unknown type ref %d", ftierrors.ErrConfigInvalid, typeRef)
	}
	if existing, ok := r.vars[id]; ok {
		// Re-protecting the same id with a new pointer/size is allowed
		// (spec.md §4.B); this path never returns ErrIDReused (callers
		// that want "must be fresh" semantics use ProtectNew).
		existing.Ptr = ptr
		existing.Count = count
		existing.Type = typeRef
		existing.Placement = placement
		existing.hostSync = sync
		existing.needsSync = placement == PlacementDevice
		return nil
	}

	r.vars[id] = &Var{
		ID:        id,
		Ptr:       ptr,
		Count:     count,
		EleSize:   eleSize(r.types, typeRef),
		Type:      typeRef,
		Placement: placement,
		hostSync:  sync,
		needsSync: placement == PlacementDevice,
	}
	r.order = append(r.order, id)
	return nil
}

// ProtectNew is Protect but rejects an id that is already registered,
// returning ftierrors.ErrIDReused.
func (r *Registry) ProtectNew(id int, ptr []byte, count int, typeRef TypeRef) error {
	r.mu.Lock()
	if _, ok := r.vars[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: id %d", ftierrors.ErrIDReused, id)
	}
	r.mu.Unlock()
	return r.Protect(id, ptr, count, typeRef)
}

func eleSize(types map[TypeRef]TypeDescriptor, ref TypeRef) int {
	td := types[ref]
	if td.Kind == KindPrimitive {
		return td.EleSize
	}
	size := 0
	for _, f := range td.Fields {
		end := f.ByteOffset + eleSize(types, f.Type)
		if end > size {
			size = end
		}
	}
	return size
}

// Free removes id from the registry.
func (r *Registry) Free(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vars, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Realloc re-points id at a new buffer of newCount elements and returns
// the new Ptr, mutating the registry entry in place.
func (r *Registry) Realloc(id int, newPtr []byte, newCount int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vars[id]
	if !ok {
		return nil, fmt.Errorf("%w: realloc of unknown id %d", ftierrors.ErrConfigInvalid, id)
	}
	v.Ptr = newPtr
	v.Count = newCount
	return v.Ptr, nil
}

// DefineDataset attaches structured-output metadata (dims/name/group) to
// id, used by non-FTI-FF serializers; FTI-FF's opaque-byte writer ignores
// it.
func (r *Registry) DefineDataset(id int, dims []int, name, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vars[id]
	if !ok {
		return fmt.Errorf("%w: define_dataset on unknown id %d", ftierrors.ErrConfigInvalid, id)
	}
	v.Dims = dims
	v.datasetName = name
	v.datasetGroup = group
	return nil
}

// Get returns the Var for id.
func (r *Registry) Get(id int) (*Var, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vars[id]
	return v, ok
}

// StoredSize returns the byte size id currently occupies in the registry
// (not necessarily what was last persisted: spec.md's "recovery-before-
// protect" flows call this on a registry populated by RecoverVar instead).
func (r *Registry) StoredSize(id int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vars[id]
	if !ok {
		return 0, false
	}
	return v.Size(), true
}

// Snapshot returns a stable-ordered copy of the currently live variables,
// ordered by registration order as spec.md §4.C requires ("deterministic
// w.r.t. registration order").
func (r *Registry) Snapshot() []*Var {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Var, 0, len(r.order))
	for _, id := range r.order {
		if v, ok := r.vars[id]; ok {
			out = append(out, v)
		}
	}
	return out
}
