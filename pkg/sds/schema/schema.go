// Package schema compiles table section layouts from Go struct types.
//
// A section is an ordered list of scalar field descriptors over a packed
// little-endian byte image. The image is what the sync engine shadows for
// change detection and what delta encoding diffs field by field; the
// descriptors also drive the default JSON codec for the section.
package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/pmonclus/sds/pkg/util"
)

// Kind identifies the scalar type of a field.
type Kind int

const (
	Bool Kind = iota
	Int8
	Int16
	Int32
	Uint8
	Uint16
	Uint32
	Float32
	String
)

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case String:
		return "string"
	}
	return "unknown"
}

// Bits returns the integer parse width for the kind, or 0 for non-integers.
func (k Kind) Bits() int {
	switch k {
	case Int8, Uint8:
		return 8
	case Int16, Uint16:
		return 16
	case Int32, Uint32:
		return 32
	}
	return 0
}

// DefaultMaxString is the image size of a string field without an explicit
// length in its tag.
const DefaultMaxString = 32

// Field describes one scalar inside a section image.
type Field struct {
	Name   string // JSON key
	Kind   Kind
	Offset int // byte offset in the packed image
	Size   int // byte size in the packed image

	index int // struct field index
}

// Section is a compiled set of field descriptors for one struct type.
type Section struct {
	typ    reflect.Type
	Fields []Field
	Size   int // total image size in bytes
}

// Type returns the struct type the section was compiled from.
func (s *Section) Type() reflect.Type { return s.typ }

// reservedKeys are payload metadata names application fields must not use.
var reservedKeys = map[string]bool{
	"ts":     true,
	"from":   true,
	"node":   true,
	"online": true,
	"sv":     true,
}

// ForType compiles a section from a struct value or pointer to struct.
// Field names come from the sds tag, else the snake_case of the Go name;
// string fields take their image size from the tag's second element
// (`sds:"name,16"`). Fields tagged `sds:"-"` and unexported fields are
// skipped.
func ForType(v interface{}) (*Section, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("%w: nil section type", util.ErrInvalidTable)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: section type %s is not a struct", util.ErrInvalidTable, t)
	}

	s := &Section{typ: t}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		name, maxLen, skip, err := parseTag(sf)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if reservedKeys[name] {
			return nil, fmt.Errorf("%w: field %s.%s uses reserved payload key %q",
				util.ErrInvalidTable, t.Name(), sf.Name, name)
		}

		kind, size, err := kindOf(sf.Type, maxLen)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s.%s: %v", util.ErrInvalidTable, t.Name(), sf.Name, err)
		}
		s.Fields = append(s.Fields, Field{
			Name:   name,
			Kind:   kind,
			Offset: s.Size,
			Size:   size,
			index:  i,
		})
		s.Size += size
	}
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("%w: section type %s has no usable fields", util.ErrInvalidTable, t)
	}
	return s, nil
}

// MustForType is ForType that panics on error, for package-level metadata.
func MustForType(v interface{}) *Section {
	s, err := ForType(v)
	if err != nil {
		panic(err)
	}
	return s
}

func parseTag(sf reflect.StructField) (name string, maxLen int, skip bool, err error) {
	tag := sf.Tag.Get("sds")
	if tag == "-" {
		return "", 0, true, nil
	}
	name, rest, _ := strings.Cut(tag, ",")
	if name == "" {
		name = util.SnakeCase(sf.Name)
	}
	maxLen = DefaultMaxString
	if rest != "" {
		n, convErr := strconv.Atoi(rest)
		if convErr != nil || n <= 0 {
			return "", 0, false, fmt.Errorf("%w: field %s has bad sds tag %q",
				util.ErrInvalidTable, sf.Name, tag)
		}
		maxLen = n
	}
	return name, maxLen, false, nil
}

func kindOf(t reflect.Type, maxLen int) (Kind, int, error) {
	switch t.Kind() {
	case reflect.Bool:
		return Bool, 1, nil
	case reflect.Int8:
		return Int8, 1, nil
	case reflect.Int16:
		return Int16, 2, nil
	case reflect.Int32:
		return Int32, 4, nil
	case reflect.Uint8:
		return Uint8, 1, nil
	case reflect.Uint16:
		return Uint16, 2, nil
	case reflect.Uint32:
		return Uint32, 4, nil
	case reflect.Float32:
		return Float32, 4, nil
	case reflect.String:
		return String, maxLen, nil
	}
	return 0, 0, fmt.Errorf("unsupported field type %s", t)
}

// structValue unwraps v to an addressable struct value of the section type.
func (s *Section) structValue(v interface{}) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return reflect.Value{}, fmt.Errorf("%w: section value must be a non-nil pointer", util.ErrInvalidTable)
	}
	rv = rv.Elem()
	if rv.Type() != s.typ {
		return reflect.Value{}, fmt.Errorf("%w: section value is %s, want %s",
			util.ErrInvalidTable, rv.Type(), s.typ)
	}
	return rv, nil
}
