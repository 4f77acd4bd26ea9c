package codec

import (
	"bytes"
	"reflect"
	"testing"

	"binrpc/errors"
	"binrpc/protocol"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Args struct {
	A, B int
	Tags []string
}

type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.Key
}

func values(args ...any) []reflect.Value {
	vals := make([]reflect.Value, len(args))
	for i, a := range args {
		vals[i] = reflect.ValueOf(a)
	}
	return vals
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	require.Equal(t, []string{Gob, JSON, Protobuf}, reg.Names())

	s, err := reg.Lookup("")
	require.NoError(t, err)
	require.Equal(t, Default, s.Name())

	_, err = reg.Lookup("xml")
	require.True(t, errors.IsCode(err, errors.InvalidConfiguration))

	s, err = reg.ForVersion(JSON, protocol.Version)
	require.NoError(t, err)
	require.Equal(t, JSON, s.Name())

	_, err = reg.ForVersion(JSON, protocol.Version+1)
	require.True(t, errors.IsCode(err, errors.InvalidConfiguration))
}

func TestGenericStrategiesRequestRoundTrip(t *testing.T) {
	var nilPtr *Args
	argTypes := []reflect.Type{
		reflect.TypeOf(""),
		reflect.TypeOf(int32(0)),
		reflect.TypeOf(&Args{}),
		reflect.TypeOf(nilPtr),
		reflect.TypeOf([]int(nil)),
	}
	args := []reflect.Value{
		reflect.ValueOf("hi"),
		reflect.ValueOf(int32(0)),
		reflect.ValueOf(&Args{A: 1, B: 2, Tags: []string{"x"}}),
		reflect.ValueOf(nilPtr),
		reflect.ValueOf([]int(nil)),
	}
	for _, s := range []Strategy{&GobStrategy{}, &JSONStrategy{}} {
		t.Run(s.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, s.EncodeRequest(&buf, args))

			decoded, err := s.DecodeRequest(buf.Bytes(), argTypes)
			require.NoError(t, err)
			require.Len(t, decoded, len(args))
			require.Equal(t, "hi", decoded[0].Interface())
			require.Equal(t, int32(0), decoded[1].Interface())
			require.Equal(t, &Args{A: 1, B: 2, Tags: []string{"x"}}, decoded[2].Interface())
			require.True(t, decoded[3].IsNil())
			require.Equal(t, argTypes[3], decoded[3].Type())
			require.Len(t, decoded[4].Interface(), 0)
		})
	}
}

func TestGenericStrategiesResponse(t *testing.T) {
	for _, s := range []Strategy{&GobStrategy{}, &JSONStrategy{}} {
		t.Run(s.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, s.EncodeResponse(&buf, reflect.ValueOf(map[string]int{"a": 1}), nil))
			v, err := s.DecodeResponse(buf.Bytes(), reflect.TypeOf(map[string]int{}))
			require.NoError(t, err)
			require.Equal(t, map[string]int{"a": 1}, v.Interface())

			buf.Reset()
			require.NoError(t, s.EncodeResponse(&buf, reflect.Value{}, nil))
			v, err = s.DecodeResponse(buf.Bytes(), nil)
			require.NoError(t, err)
			require.False(t, v.IsValid())

			buf.Reset()
			require.NoError(t, s.EncodeResponse(&buf, reflect.Value{}, errors.WithStack(&NotFoundError{Key: "k"})))
			_, err = s.DecodeResponse(buf.Bytes(), reflect.TypeOf(""))
			var remote *errors.RemoteError
			require.True(t, errors.As(err, &remote))
			require.Equal(t, "*binrpc/codec.NotFoundError", remote.Type)
			require.Equal(t, errors.InvocationError, remote.Code)
			rebuilt := remote.Rebuild([]error{&NotFoundError{}})
			require.Equal(t, &NotFoundError{Key: "k"}, rebuilt)
		})
	}
}

func TestJSONArityMismatch(t *testing.T) {
	s := &JSONStrategy{}
	var buf bytes.Buffer
	require.NoError(t, s.EncodeRequest(&buf, values("a", "b")))
	_, err := s.DecodeRequest(buf.Bytes(), []reflect.Type{reflect.TypeOf("")})
	require.True(t, errors.IsCode(err, errors.EncodingError))
}

func TestUnencodableResultFails(t *testing.T) {
	for _, s := range []Strategy{&GobStrategy{}, &JSONStrategy{}} {
		var buf bytes.Buffer
		err := s.EncodeResponse(&buf, reflect.ValueOf(make(chan int)), nil)
		require.True(t, errors.IsCode(err, errors.EncodingError), s.Name())
	}
}

func TestGarbageResponseFails(t *testing.T) {
	for _, s := range []Strategy{&GobStrategy{}, &JSONStrategy{}, &ProtobufStrategy{}} {
		_, err := s.DecodeResponse([]byte{0xff, 0x01, 0x02}, reflect.TypeOf(""))
		require.True(t, errors.IsCode(err, errors.EncodingError), s.Name())
	}
}

func TestProtobufStrategy(t *testing.T) {
	s := &ProtobufStrategy{}
	msgType := reflect.TypeOf(&wrapperspb.StringValue{})

	var buf bytes.Buffer
	require.NoError(t, s.EncodeRequest(&buf, values(wrapperspb.String("a"), wrapperspb.String(""))))
	decoded, err := s.DecodeRequest(buf.Bytes(), []reflect.Type{msgType, msgType})
	require.NoError(t, err)
	require.True(t, proto.Equal(wrapperspb.String("a"), decoded[0].Interface().(proto.Message)))
	require.True(t, proto.Equal(wrapperspb.String(""), decoded[1].Interface().(proto.Message)))

	buf.Reset()
	require.NoError(t, s.EncodeResponse(&buf, reflect.ValueOf(wrapperspb.Int64(42)), nil))
	v, err := s.DecodeResponse(buf.Bytes(), reflect.TypeOf(&wrapperspb.Int64Value{}))
	require.NoError(t, err)
	require.Equal(t, int64(42), v.Interface().(*wrapperspb.Int64Value).GetValue())

	buf.Reset()
	require.NoError(t, s.EncodeResponse(&buf, reflect.Value{}, errors.NewRPCError(errors.ProtocolError, "no method")))
	_, err = s.DecodeResponse(buf.Bytes(), msgType)
	var remote *errors.RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, errors.ProtocolError, remote.Code)
	require.Equal(t, "no method", remote.Message)
	require.Equal(t, "binrpc/errors.RPCError", remote.Type)
}

func TestProtobufRejectsPlainValues(t *testing.T) {
	s := &ProtobufStrategy{}
	var buf bytes.Buffer
	err := s.EncodeRequest(&buf, values("not a message"))
	require.True(t, errors.IsCode(err, errors.EncodingError))

	_, err = s.DecodeRequest(nil, []reflect.Type{reflect.TypeOf("")})
	require.True(t, errors.IsCode(err, errors.EncodingError))
}
