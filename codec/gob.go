package codec

import (
	"bytes"
	"encoding/gob"
	"reflect"
	"strconv"

	"binrpc/errors"
)

// GobStrategy writes each argument as a presence flag followed by the gob
// encoding of the value, so nil pointers and nil slices survive the trip.
// Interface typed parameters need their concrete types registered with
// gob.Register on both sides.
type GobStrategy struct{}

type gobResponseHeader struct {
	Err *errors.RemoteError
}

func (s *GobStrategy) Name() string {
	return Gob
}

func (s *GobStrategy) EncodeRequest(buf *bytes.Buffer, args []reflect.Value) error {
	enc := gob.NewEncoder(buf)
	for i, arg := range args {
		if err := gobEncodeValue(enc, arg); err != nil {
			return encodingError(err, "encode argument "+strconv.Itoa(i))
		}
	}
	return nil
}

func (s *GobStrategy) DecodeRequest(data []byte, argTypes []reflect.Type) ([]reflect.Value, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	values := make([]reflect.Value, len(argTypes))
	for i, t := range argTypes {
		v, err := gobDecodeValue(dec, t)
		if err != nil {
			return nil, encodingError(err, "decode argument "+strconv.Itoa(i))
		}
		values[i] = v
	}
	return values, nil
}

func (s *GobStrategy) EncodeResponse(buf *bytes.Buffer, result reflect.Value, err error) error {
	enc := gob.NewEncoder(buf)
	header := gobResponseHeader{}
	if err != nil {
		header.Err = errors.NewRemoteError(err)
	}
	if encErr := enc.Encode(&header); encErr != nil {
		return encodingError(encErr, "encode response header")
	}
	if err != nil || !result.IsValid() {
		return nil
	}
	if encErr := gobEncodeValue(enc, result); encErr != nil {
		return encodingError(encErr, "encode result")
	}
	return nil
}

func (s *GobStrategy) DecodeResponse(data []byte, resultType reflect.Type) (reflect.Value, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var header gobResponseHeader
	if err := dec.Decode(&header); err != nil {
		return reflect.Value{}, encodingError(err, "decode response header")
	}
	if header.Err != nil {
		return reflect.Value{}, header.Err
	}
	if resultType == nil {
		return reflect.Value{}, nil
	}
	v, err := gobDecodeValue(dec, resultType)
	if err != nil {
		return reflect.Value{}, encodingError(err, "decode result")
	}
	return v, nil
}

func gobEncodeValue(enc *gob.Encoder, v reflect.Value) error {
	present := !isNil(v)
	if err := enc.Encode(present); err != nil {
		return err
	}
	if !present {
		return nil
	}
	return enc.EncodeValue(v)
}

func gobDecodeValue(dec *gob.Decoder, t reflect.Type) (reflect.Value, error) {
	var present bool
	if err := dec.Decode(&present); err != nil {
		return reflect.Value{}, err
	}
	if !present {
		return reflect.Zero(t), nil
	}
	p := reflect.New(t)
	if err := dec.DecodeValue(p); err != nil {
		return reflect.Value{}, err
	}
	return p.Elem(), nil
}
