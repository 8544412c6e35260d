package schema

import (
	"fmt"
	"reflect"

	"github.com/pmonclus/sds/pkg/sds/jsonenc"
	"github.com/pmonclus/sds/pkg/util"
)

// Encode appends every section field as "name":value pairs into an already
// open JSON object. The engine owns the braces and the reserved metadata
// keys.
func (s *Section) Encode(w *jsonenc.Writer, src interface{}) error {
	return s.EncodeFiltered(w, src, nil)
}

// EncodeFiltered appends the fields for which include returns true. A nil
// include encodes everything.
func (s *Section) EncodeFiltered(w *jsonenc.Writer, src interface{}, include func(Field) bool) error {
	rv, err := s.structValue(src)
	if err != nil {
		return err
	}
	for _, f := range s.Fields {
		if include != nil && !include(f) {
			continue
		}
		fv := rv.Field(f.index)
		switch f.Kind {
		case Bool:
			w.AddBool(f.Name, fv.Bool())
		case Int8, Int16, Int32:
			w.AddInt(f.Name, fv.Int())
		case Uint8, Uint16, Uint32:
			w.AddUint(f.Name, fv.Uint())
		case Float32:
			w.AddFloat(f.Name, fv.Float())
		case String:
			str := fv.String()
			if len(str) > f.Size {
				str = str[:f.Size]
			}
			w.AddString(f.Name, str)
		}
	}
	return w.Err()
}

// Decode applies payload fields onto dst. Fields absent from the payload
// keep their current value, which is what makes delta payloads apply
// cleanly. A field that is present but fails its typed parse aborts the
// whole decode and dst is left untouched.
func (s *Section) Decode(r *jsonenc.Reader, dst interface{}) error {
	rv, err := s.structValue(dst)
	if err != nil {
		return err
	}

	// Stage into a copy so a malformed payload never half-applies.
	tmp := reflect.New(s.typ).Elem()
	tmp.Set(rv)

	applied := false
	for _, f := range s.Fields {
		fv := tmp.Field(f.index)
		switch f.Kind {
		case Bool:
			v, ok := r.GetBool(f.Name)
			if !ok {
				if r.FindField(f.Name) != nil {
					return malformed(f)
				}
				continue
			}
			fv.SetBool(v)
		case Int8, Int16, Int32:
			v, ok := r.GetInt(f.Name, f.Kind.Bits())
			if !ok {
				if r.FindField(f.Name) != nil {
					return malformed(f)
				}
				continue
			}
			fv.SetInt(v)
		case Uint8, Uint16, Uint32:
			v, ok := r.GetUint(f.Name, f.Kind.Bits())
			if !ok {
				if r.FindField(f.Name) != nil {
					return malformed(f)
				}
				continue
			}
			fv.SetUint(v)
		case Float32:
			v, ok := r.GetFloat(f.Name)
			if !ok {
				if r.FindField(f.Name) != nil {
					return malformed(f)
				}
				continue
			}
			fv.SetFloat(v)
		case String:
			v, ok := r.GetString(f.Name, f.Size)
			if !ok {
				if r.FindField(f.Name) != nil {
					return malformed(f)
				}
				continue
			}
			fv.SetString(v)
		}
		applied = true
	}
	if !applied {
		return fmt.Errorf("%w: payload carries no section fields", util.ErrInvalidTable)
	}
	rv.Set(tmp)
	return nil
}

func malformed(f Field) error {
	return fmt.Errorf("%w: field %q failed %s parse", util.ErrInvalidTable, f.Name, f.Kind)
}
