// Package message defines the frames exchanged between client and server
// invokers, independent of how they are laid out on the wire.
//
// A Request carries the serialized arguments of one call. The Response with
// the same CorrelationID carries either the serialized result or a remote
// error; which of the two is decided by the serialization strategy.
package message

import (
	"fmt"
	"strings"
)

type Request struct {
	CorrelationID uint64 // matches the Response to its caller
	Service       string // registered service name, e.g. "echo"
	Signature     string // "Echo,T" - method name then parameter type codes
	Args          []byte // serialized arguments, callback excluded
}

// Method returns the method name part of the signature.
func (r *Request) Method() string {
	name, _, _ := strings.Cut(r.Signature, ",")
	return name
}

func (r *Request) String() string {
	return fmt.Sprintf("request[%d %s.%s]", r.CorrelationID, r.Service, r.Method())
}

type Response struct {
	CorrelationID uint64
	Payload       []byte
}
