package codec

import (
	"bytes"
	"reflect"
	"strconv"

	"binrpc/errors"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var messageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// ProtobufStrategy serializes proto.Message arguments as consecutive
// length delimited fields. A response is an anypb.Any wrapping either the
// result message, emptypb.Empty for methods without a result, or a
// google.rpc.Status describing a remote failure.
type ProtobufStrategy struct{}

func (s *ProtobufStrategy) Name() string {
	return Protobuf
}

func (s *ProtobufStrategy) EncodeRequest(buf *bytes.Buffer, args []reflect.Value) error {
	var out []byte
	for i, arg := range args {
		msg, err := asMessage(arg)
		if err != nil {
			return encodingError(err, "encode argument "+strconv.Itoa(i))
		}
		data, err := proto.Marshal(msg)
		if err != nil {
			return encodingError(err, "encode argument "+strconv.Itoa(i))
		}
		out = protowire.AppendBytes(out, data)
	}
	buf.Write(out)
	return nil
}

func (s *ProtobufStrategy) DecodeRequest(data []byte, argTypes []reflect.Type) ([]reflect.Value, error) {
	values := make([]reflect.Value, len(argTypes))
	for i, t := range argTypes {
		field, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, encodingError(protowire.ParseError(n), "decode argument "+strconv.Itoa(i))
		}
		data = data[n:]
		msg, err := newMessage(t)
		if err != nil {
			return nil, encodingError(err, "decode argument "+strconv.Itoa(i))
		}
		if err := proto.Unmarshal(field, msg); err != nil {
			return nil, encodingError(err, "decode argument "+strconv.Itoa(i))
		}
		values[i] = reflect.ValueOf(msg)
	}
	if len(data) != 0 {
		return nil, errors.WithStack(errors.NewRPCErrorf(errors.EncodingError, "%d trailing bytes after arguments", len(data)))
	}
	return values, nil
}

func (s *ProtobufStrategy) EncodeResponse(buf *bytes.Buffer, result reflect.Value, err error) error {
	var payload proto.Message
	switch {
	case err != nil:
		remote := errors.NewRemoteError(err)
		typeName, aErr := anypb.New(wrapperspb.String(remote.Type))
		if aErr != nil {
			return encodingError(aErr, "encode error type")
		}
		payload = &status.Status{Code: int32(remote.Code), Message: remote.Message, Details: []*anypb.Any{typeName}}
	case !result.IsValid():
		payload = &emptypb.Empty{}
	default:
		msg, mErr := asMessage(result)
		if mErr != nil {
			return encodingError(mErr, "encode result")
		}
		payload = msg
	}
	wrapped, aErr := anypb.New(payload)
	if aErr != nil {
		return encodingError(aErr, "encode response")
	}
	data, mErr := proto.Marshal(wrapped)
	if mErr != nil {
		return encodingError(mErr, "encode response")
	}
	buf.Write(data)
	return nil
}

func (s *ProtobufStrategy) DecodeResponse(data []byte, resultType reflect.Type) (reflect.Value, error) {
	wrapped := &anypb.Any{}
	if err := proto.Unmarshal(data, wrapped); err != nil {
		return reflect.Value{}, encodingError(err, "decode response")
	}
	st := &status.Status{}
	if wrapped.MessageIs(st) {
		if err := wrapped.UnmarshalTo(st); err != nil {
			return reflect.Value{}, encodingError(err, "decode remote error")
		}
		remote := &errors.RemoteError{Code: errors.ErrorCode(st.Code), Message: st.Message}
		for _, detail := range st.Details {
			typeName := &wrapperspb.StringValue{}
			if detail.MessageIs(typeName) && detail.UnmarshalTo(typeName) == nil {
				remote.Type = typeName.Value
			}
		}
		return reflect.Value{}, remote
	}
	if resultType == nil {
		return reflect.Value{}, nil
	}
	msg, err := newMessage(resultType)
	if err != nil {
		return reflect.Value{}, encodingError(err, "decode result")
	}
	if err := wrapped.UnmarshalTo(msg); err != nil {
		return reflect.Value{}, encodingError(err, "decode result")
	}
	return reflect.ValueOf(msg), nil
}

func asMessage(v reflect.Value) (proto.Message, error) {
	if isNil(v) {
		return nil, errors.New("nil protobuf message")
	}
	msg, ok := v.Interface().(proto.Message)
	if !ok {
		return nil, errors.Errorf("%s is not a proto.Message", v.Type())
	}
	return msg, nil
}

func newMessage(t reflect.Type) (proto.Message, error) {
	if t.Kind() != reflect.Pointer || !t.Implements(messageType) {
		return nil, errors.Errorf("%s is not a proto.Message pointer", t)
	}
	return reflect.New(t.Elem()).Interface().(proto.Message), nil
}
