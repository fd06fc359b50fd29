package snapshot

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// StructuralSerial computes a deterministic serial from the shape of t: kinds, names,
// exported and unexported field names, struct tags and element types, recursively.
// The same type always yields the same value, across processes and machines.
//
// It fails for a nil type and for types that cannot be part of a snapshot
// (functions, channels, unsafe pointers, complex numbers and interfaces with methods).
func StructuralSerial(t reflect.Type) (int64, error) {
	return structuralSerial("", t)
}

func structuralSerial(salt string, t reflect.Type) (int64, error) {
	if t == nil {
		return 0, fmt.Errorf("cannot compute serial of nil type")
	}

	d := xxhash.New()
	d.WriteString(salt)
	w := shapeWriter{d: d, seen: map[reflect.Type]int{}}
	if err := w.write(t); err != nil {
		return 0, fmt.Errorf("cannot compute serial of %s: %w", t, err)
	}
	return int64(d.Sum64()), nil
}

type shapeWriter struct {
	d    *xxhash.Digest
	seen map[reflect.Type]int
}

func (w *shapeWriter) str(s string) {
	w.d.WriteString(strconv.Itoa(len(s)))
	w.d.WriteString(":")
	w.d.WriteString(s)
}

func (w *shapeWriter) write(t reflect.Type) error {
	// recursive types refer back to their first occurrence
	if idx, ok := w.seen[t]; ok {
		w.str("ref")
		w.str(strconv.Itoa(idx))
		return nil
	}
	if t.Name() != "" {
		w.seen[t] = len(w.seen)
	}

	w.str(t.Kind().String())
	w.str(t.PkgPath() + "." + t.Name())

	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Pointer, reflect.Slice:
		return w.write(t.Elem())
	case reflect.Array:
		w.str(strconv.Itoa(t.Len()))
		return w.write(t.Elem())
	case reflect.Map:
		if err := w.write(t.Key()); err != nil {
			return err
		}
		return w.write(t.Elem())
	case reflect.Struct:
		w.str(strconv.Itoa(t.NumField()))
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			w.str(f.Name)
			w.str(string(f.Tag))
			if err := w.write(f.Type); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return nil
	case reflect.Interface:
		if t.NumMethod() > 0 {
			return fmt.Errorf("unsupported interface type %s", t)
		}
		return nil
	default:
		return fmt.Errorf("unsupported kind %s", t.Kind())
	}
}
