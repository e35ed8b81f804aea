package wire

import (
	"fmt"
	"reflect"
)

// Registry maps stable kind strings to the Go types that cross the wire:
// operations, spawned entities, correction payloads. Both sides of a
// session must register the same kinds; registration happens at program
// start, so collisions panic instead of returning errors.
type Registry struct {
	byKind map[string]reflect.Type
	byType map[reflect.Type]string
}

func NewRegistry() *Registry {
	return &Registry{
		byKind: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds kind to the pointer type T, e.g.
//
//	wire.Register[*Strike](reg, "skirmish.strike")
func Register[T any](r *Registry, kind string) {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Ptr {
		panic("it makes no sense to register a non-pointer, decoded values must be addressable")
	}
	r.register(kind, t)
}

func (r *Registry) register(kind string, t reflect.Type) {
	if kind == "" {
		panic("wire: kind must not be empty")
	}
	if prev, taken := r.byKind[kind]; taken {
		panic(fmt.Sprintf("wire: kind %q is already registered to %s", kind, prev))
	}
	if prev, taken := r.byType[t]; taken {
		panic(fmt.Sprintf("wire: %s is already registered as %q", t, prev))
	}
	r.byKind[kind] = t
	r.byType[t] = kind
}

// Kind returns the kind v is registered under.
func (r *Registry) Kind(v any) (string, bool) {
	kind, ok := r.byType[reflect.TypeOf(v)]
	return kind, ok
}

// Marshal encodes v's exported fields and returns the kind it is
// registered under.
func (r *Registry) Marshal(v any) (kind string, body []byte, err error) {
	t := reflect.TypeOf(v)
	kind, ok := r.byType[t]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNotRegistered, t)
	}
	body, err = marshalBody(v)
	if err != nil {
		return "", nil, err
	}
	return kind, body, nil
}

// Unmarshal allocates a fresh value of the type registered under kind and
// decodes body into it.
func (r *Registry) Unmarshal(kind string, body []byte) (any, error) {
	t, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	v := reflect.New(t.Elem()).Interface()
	if err := unmarshalBody(body, v); err != nil {
		return nil, err
	}
	return v, nil
}
