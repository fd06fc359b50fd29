package snapshot

import (
	"reflect"
)

// ProjectionMetaData is the author-declared version of a projection.
type ProjectionMetaData struct {
	Serial int64
}

// ProjectionType describes a projection for the purpose of snapshot versioning.
// It is filled in by the projection's author; nothing is discovered at runtime
// beyond the Go type's name and shape.
type ProjectionType struct {
	// Name is the fully-qualified identity used in cache keys.
	Name string

	// Type is the projection's Go type. It feeds the structural hash and may be nil
	// for projections known only by name.
	Type reflect.Type

	// Meta is the explicit version, preferred over everything else.
	Meta *ProjectionMetaData

	// SerialVersionUID is the legacy explicit version constant.
	SerialVersionUID *int64
}

// TypeOf describes the projection type P, named after its package path and type name.
func TypeOf[P any]() ProjectionType {
	t := reflect.TypeOf((*P)(nil)).Elem()
	return ProjectionType{Name: typeName(t), Type: t}
}

// Named describes a projection known only by name.
func Named(name string) ProjectionType {
	return ProjectionType{Name: name}
}

// WithSerial returns a copy of p with an explicit serial.
func (p ProjectionType) WithSerial(serial int64) ProjectionType {
	p.Meta = &ProjectionMetaData{Serial: serial}
	return p
}

// WithSerialVersionUID returns a copy of p with a legacy version constant.
func (p ProjectionType) WithSerialVersionUID(uid int64) ProjectionType {
	p.SerialVersionUID = &uid
	return p
}

// String returns p.Name.
func (p ProjectionType) String() string {
	return p.Name
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
