package schema

import (
	"encoding/binary"
	"math"
	"reflect"
)

// Image packs the current section value into dst, which must hold at least
// s.Size bytes. Integers are little-endian; strings are zero-padded and
// truncated at the field's image size.
func (s *Section) Image(dst []byte, src interface{}) error {
	rv, err := s.structValue(src)
	if err != nil {
		return err
	}
	for _, f := range s.Fields {
		fv := rv.Field(f.index)
		b := dst[f.Offset : f.Offset+f.Size]
		switch f.Kind {
		case Bool:
			if fv.Bool() {
				b[0] = 1
			} else {
				b[0] = 0
			}
		case Int8:
			b[0] = byte(fv.Int())
		case Int16:
			binary.LittleEndian.PutUint16(b, uint16(fv.Int()))
		case Int32:
			binary.LittleEndian.PutUint32(b, uint32(fv.Int()))
		case Uint8:
			b[0] = byte(fv.Uint())
		case Uint16:
			binary.LittleEndian.PutUint16(b, uint16(fv.Uint()))
		case Uint32:
			binary.LittleEndian.PutUint32(b, uint32(fv.Uint()))
		case Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(fv.Float())))
		case String:
			str := fv.String()
			if len(str) > f.Size {
				str = str[:f.Size]
			}
			copy(b, str)
			for i := len(str); i < f.Size; i++ {
				b[i] = 0
			}
		}
	}
	return nil
}

// Apply unpacks an image back into the section value. The inverse of Image.
func (s *Section) Apply(img []byte, dst interface{}) error {
	rv, err := s.structValue(dst)
	if err != nil {
		return err
	}
	for _, f := range s.Fields {
		fv := rv.Field(f.index)
		b := img[f.Offset : f.Offset+f.Size]
		switch f.Kind {
		case Bool:
			fv.SetBool(b[0] != 0)
		case Int8:
			fv.SetInt(int64(int8(b[0])))
		case Int16:
			fv.SetInt(int64(int16(binary.LittleEndian.Uint16(b))))
		case Int32:
			fv.SetInt(int64(int32(binary.LittleEndian.Uint32(b))))
		case Uint8:
			fv.SetUint(uint64(b[0]))
		case Uint16:
			fv.SetUint(uint64(binary.LittleEndian.Uint16(b)))
		case Uint32:
			fv.SetUint(uint64(binary.LittleEndian.Uint32(b)))
		case Float32:
			fv.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
		case String:
			end := 0
			for end < len(b) && b[end] != 0 {
				end++
			}
			fv.SetString(string(b[:end]))
		}
	}
	return nil
}

// Float32At reads a Float32 field out of an image.
func Float32At(img []byte, f Field) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(img[f.Offset : f.Offset+f.Size]))
}

// NewValue allocates a fresh zero value of the section's struct type and
// returns a pointer to it.
func (s *Section) NewValue() interface{} {
	return reflect.New(s.typ).Interface()
}
