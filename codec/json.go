package codec

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"

	"binrpc/errors"
)

// JSONStrategy encodes arguments as a JSON array and responses as an object
// with either a "value" or an "error" member.
type JSONStrategy struct{}

type jsonResponse struct {
	Value json.RawMessage     `json:"value,omitempty"`
	Error *errors.RemoteError `json:"error,omitempty"`
}

func (s *JSONStrategy) Name() string {
	return JSON
}

func (s *JSONStrategy) EncodeRequest(buf *bytes.Buffer, args []reflect.Value) error {
	raws := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := jsonValue(arg)
		if err != nil {
			return encodingError(err, "encode argument "+strconv.Itoa(i))
		}
		raws[i] = raw
	}
	data, err := json.Marshal(raws)
	if err != nil {
		return encodingError(err, "encode arguments")
	}
	buf.Write(data)
	return nil
}

func (s *JSONStrategy) DecodeRequest(data []byte, argTypes []reflect.Type) ([]reflect.Value, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, encodingError(err, "decode arguments")
	}
	if err := checkArity(len(raws), len(argTypes)); err != nil {
		return nil, err
	}
	values := make([]reflect.Value, len(argTypes))
	for i, t := range argTypes {
		p := reflect.New(t)
		if err := json.Unmarshal(raws[i], p.Interface()); err != nil {
			return nil, encodingError(err, "decode argument "+strconv.Itoa(i))
		}
		values[i] = p.Elem()
	}
	return values, nil
}

func (s *JSONStrategy) EncodeResponse(buf *bytes.Buffer, result reflect.Value, err error) error {
	resp := jsonResponse{}
	if err != nil {
		resp.Error = errors.NewRemoteError(err)
	} else if result.IsValid() {
		raw, mErr := jsonValue(result)
		if mErr != nil {
			return encodingError(mErr, "encode result")
		}
		resp.Value = raw
	}
	data, mErr := json.Marshal(&resp)
	if mErr != nil {
		return encodingError(mErr, "encode response")
	}
	buf.Write(data)
	return nil
}

func (s *JSONStrategy) DecodeResponse(data []byte, resultType reflect.Type) (reflect.Value, error) {
	var resp jsonResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return reflect.Value{}, encodingError(err, "decode response")
	}
	if resp.Error != nil {
		return reflect.Value{}, resp.Error
	}
	if resultType == nil {
		return reflect.Value{}, nil
	}
	p := reflect.New(resultType)
	if len(resp.Value) > 0 {
		if err := json.Unmarshal(resp.Value, p.Interface()); err != nil {
			return reflect.Value{}, encodingError(err, "decode result")
		}
	}
	return p.Elem(), nil
}

func jsonValue(v reflect.Value) (json.RawMessage, error) {
	if isNil(v) {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v.Interface())
}
