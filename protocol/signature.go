package protocol

import (
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"binrpc/errors"
)

// Type codes used in method signatures. A signature is the method name
// followed by one comma separated code per declared parameter.
//
//	Z bool     T string
//	B int8     S int16    I int32    J int64    N int
//	b uint8    s uint16   i uint32   j uint64   n uint   P uintptr
//	F float32  D float64  C complex64 X complex128
//
// '*' prefixes a pointer, '[' a slice dimension and '[<n>' an array
// dimension. Named types are 'L<pkgpath>.<Name>'; other composites are
// 'L<type>' with commas rewritten to ';'. A callback parameter, any
// func(T, error) named or not, is 'Lfunc(<code of T>;error)'.
var primitiveCodes = map[reflect.Kind]byte{
	reflect.Bool:       'Z',
	reflect.String:     'T',
	reflect.Int8:       'B',
	reflect.Int16:      'S',
	reflect.Int32:      'I',
	reflect.Int64:      'J',
	reflect.Int:        'N',
	reflect.Uint8:      'b',
	reflect.Uint16:     's',
	reflect.Uint32:     'i',
	reflect.Uint64:     'j',
	reflect.Uint:       'n',
	reflect.Uintptr:    'P',
	reflect.Float32:    'F',
	reflect.Float64:    'D',
	reflect.Complex64:  'C',
	reflect.Complex128: 'X',
}

var primitiveLetters = func() map[byte]struct{} {
	m := make(map[byte]struct{}, len(primitiveCodes))
	for _, c := range primitiveCodes {
		m[c] = struct{}{}
	}
	return m
}()

var nameSanitizer = strings.NewReplacer(",", ";")

var errorType = reflect.TypeFor[error]()

// TypeCode returns the signature code of t.
func TypeCode(t reflect.Type) string {
	var sb strings.Builder
	writeTypeCode(&sb, t)
	return sb.String()
}

func writeTypeCode(sb *strings.Builder, t reflect.Type) {
	for {
		if isCallback(t) {
			sb.WriteString("Lfunc(")
			writeTypeCode(sb, t.In(0))
			sb.WriteString(";error)")
			return
		}
		if t.Name() != "" && t.PkgPath() != "" {
			sb.WriteByte('L')
			sb.WriteString(nameSanitizer.Replace(t.PkgPath() + "." + t.Name()))
			return
		}
		switch t.Kind() {
		case reflect.Pointer:
			sb.WriteByte('*')
			t = t.Elem()
			continue
		case reflect.Slice:
			sb.WriteByte('[')
			t = t.Elem()
			continue
		case reflect.Array:
			sb.WriteByte('[')
			sb.WriteString(strconv.Itoa(t.Len()))
			t = t.Elem()
			continue
		case reflect.Interface:
			sb.WriteByte('L')
			if t.Name() == "" && t.NumMethod() == 0 {
				sb.WriteString("any")
			} else {
				sb.WriteString(nameSanitizer.Replace(t.String()))
			}
			return
		}
		if code, ok := primitiveCodes[t.Kind()]; ok {
			sb.WriteByte(code)
			return
		}
		sb.WriteByte('L')
		sb.WriteString(nameSanitizer.Replace(t.String()))
		return
	}
}

func isCallback(t reflect.Type) bool {
	return t.Kind() == reflect.Func &&
		!t.IsVariadic() &&
		t.NumIn() == 2 &&
		t.In(1) == errorType &&
		t.NumOut() == 0
}

// Signature builds the dispatch key of a method from its name and declared
// parameter types.
func Signature(name string, params []reflect.Type) string {
	var sb strings.Builder
	sb.WriteString(name)
	for _, p := range params {
		sb.WriteByte(',')
		writeTypeCode(&sb, p)
	}
	return sb.String()
}

// ParseSignature splits a signature into its method name and parameter type
// codes, validating both.
func ParseSignature(sig string) (string, []string, error) {
	parts := strings.Split(sig, ",")
	name := parts[0]
	if !isIdentifier(name) {
		return "", nil, errors.NewRPCErrorf(errors.ProtocolError, "invalid method name in signature %q", sig)
	}
	codes := parts[1:]
	for _, code := range codes {
		if err := ValidateTypeCode(code); err != nil {
			return "", nil, err
		}
	}
	return name, codes, nil
}

// ValidateTypeCode checks that code is a well formed type code.
func ValidateTypeCode(code string) error {
	rest := code
	for len(rest) > 0 && (rest[0] == '*' || rest[0] == '[') {
		if rest[0] == '[' {
			rest = strings.TrimLeftFunc(rest[1:], unicode.IsDigit)
		} else {
			rest = rest[1:]
		}
	}
	switch {
	case len(rest) > 1 && rest[0] == 'L':
		return nil
	case len(rest) == 1:
		if _, ok := primitiveLetters[rest[0]]; ok {
			return nil
		}
	}
	return errors.NewRPCErrorf(errors.ProtocolError, "invalid type code %q", code)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
