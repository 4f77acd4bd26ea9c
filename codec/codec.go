// Package codec implements the serialization strategies that turn call
// arguments and results into frame payloads.
//
// A strategy is stateless and selected per method: the default gob strategy
// serves any Go value gob can encode, json trades speed for readability and
// protobuf restricts arguments and results to proto.Message values. A
// response payload carries either the result or a RemoteError; how the two
// are told apart is up to each strategy.
package codec

import (
	"bytes"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"binrpc/errors"
	"binrpc/protocol"
)

const (
	Gob      = "gob"
	JSON     = "json"
	Protobuf = "protobuf"

	Default = Gob
)

type Strategy interface {
	Name() string
	// EncodeRequest appends the serialized arguments to buf.
	EncodeRequest(buf *bytes.Buffer, args []reflect.Value) error
	DecodeRequest(data []byte, argTypes []reflect.Type) ([]reflect.Value, error)
	// EncodeResponse appends either result or err to buf. An invalid result
	// means the method has no return value.
	EncodeResponse(buf *bytes.Buffer, result reflect.Value, err error) error
	// DecodeResponse returns the result, or a *errors.RemoteError when the
	// payload carries a remote failure. A nil resultType means no value.
	DecodeResponse(data []byte, resultType reflect.Type) (reflect.Value, error)
}

// Versioned is implemented by strategies with a distinct variant per
// protocol version.
type Versioned interface {
	ForVersion(version int) (Strategy, error)
}

// Hinted is implemented by services that attach a non default strategy to
// some of their methods.
type Hinted interface {
	SerializationFor(method string) string
}

type Registry struct {
	lock       sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry holding the gob, json and protobuf
// strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: map[string]Strategy{}}
	r.Register(&GobStrategy{})
	r.Register(&JSONStrategy{})
	r.Register(&ProtobufStrategy{})
	return r
}

func (r *Registry) Register(s Strategy) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.strategies[s.Name()] = s
}

// Lookup returns the strategy registered under name; an empty name selects
// the default.
func (r *Registry) Lookup(name string) (Strategy, error) {
	if name == "" {
		name = Default
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, errors.NewInvalidConfigurationError("unknown serialization strategy " + name)
	}
	return s, nil
}

// ForVersion returns the variant of the named strategy for a protocol
// version.
func (r *Registry) ForVersion(name string, version int) (Strategy, error) {
	s, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if v, ok := s.(Versioned); ok {
		return v.ForVersion(version)
	}
	if version != protocol.Version {
		return nil, errors.NewInvalidConfigurationError(
			"unsupported protocol version " + strconv.Itoa(version) + " for strategy " + s.Name())
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func encodingError(err error, what string) error {
	return errors.WithStack(errors.NewRPCErrorf(errors.EncodingError, "%s: %v", what, err))
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func checkArity(values int, types int) error {
	if values != types {
		return errors.WithStack(errors.NewRPCErrorf(errors.EncodingError,
			"argument count mismatch: payload has %d, method declares %d", values, types))
	}
	return nil
}
