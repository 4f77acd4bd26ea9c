package errors

import (
	"encoding/json"
	"reflect"
)

// TypeName returns the package qualified name of an error's dynamic type,
// e.g. "*binrpc/echo.NotFoundError".
func TypeName(t reflect.Type) string {
	prefix := ""
	for t.Kind() == reflect.Pointer {
		prefix += "*"
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return prefix + t.String()
	}
	return prefix + t.PkgPath() + "." + t.Name()
}

// NewRemoteError converts a failure raised by a target into its wire form.
// Execution wrappers are stripped so the type recorded is the one the target
// produced.
func NewRemoteError(err error) *RemoteError {
	if remote, ok := err.(*RemoteError); ok {
		return remote
	}
	cause := Cause(err)
	code := CodeOf(err)
	if code == 0 {
		code = InvocationError
	}
	remote := &RemoteError{
		Type:    TypeName(reflect.TypeOf(cause)),
		Code:    code,
		Message: err.Error(),
	}
	if data, mErr := json.Marshal(cause); mErr == nil && string(data) != "{}" && string(data) != "null" {
		remote.Data = data
	}
	return remote
}

// Rebuild turns a remote error back into a local error. If the remote type
// matches one of the declared prototypes the error is rebuilt as that type,
// otherwise a RemoteServiceError is returned.
func (e *RemoteError) Rebuild(declared []error) error {
	for _, proto := range declared {
		t := reflect.TypeOf(proto)
		if TypeName(t) != e.Type {
			continue
		}
		if rebuilt, ok := instantiate(t, e.Data); ok {
			return rebuilt
		}
	}
	return &RemoteServiceError{Type: e.Type, Code: e.Code, Message: e.Message}
}

func instantiate(t reflect.Type, data []byte) (error, bool) {
	var v reflect.Value
	if t.Kind() == reflect.Pointer {
		v = reflect.New(t.Elem())
		if len(data) > 0 && json.Unmarshal(data, v.Interface()) != nil {
			return nil, false
		}
	} else {
		p := reflect.New(t)
		if len(data) > 0 && json.Unmarshal(data, p.Interface()) != nil {
			return nil, false
		}
		v = p.Elem()
	}
	err, ok := v.Interface().(error)
	return err, ok
}
