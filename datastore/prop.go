// Copyright 2014 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package datastore

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Entities with more than this many indexed properties will not be saved.
const maxIndexedProperties = 20000

// Property is a name/value pair plus some metadata. A datastore entity's
// contents are loaded and saved as a sequence of Properties. Each property
// name must be unique within an entity.
type Property struct {
	// Name is the property name.
	Name string
	// Value is the property value. The valid types are:
	//	- int64
	//	- bool
	//	- string
	//	- float64
	//	- []byte (up to 1 megabyte in length)
	//	- *Key
	//	- time.Time (stored with microsecond precision, retrieved as UTC)
	//	- GeoPoint
	//	- *Entity (representing a nested struct)
	//	- []interface{} (each element of the above types)
	// Value may also be nil to represent an explicit null.
	Value interface{}
	// NoIndex is whether the datastore cannot index this property.
	// If NoIndex is set to false, []byte and string values are limited to
	// 1500 bytes.
	NoIndex bool
}

// An Entity is the value type for a nested struct. It is also a
// PropertyLoadSaver, so a *Entity can be passed to Get or Put to work with
// properties directly.
type Entity struct {
	Key        *Key
	Properties []Property
}

// Load sets e.Properties to a copy of props.
func (e *Entity) Load(props []Property) error {
	e.Properties = append([]Property(nil), props...)
	return nil
}

// Save returns e.Properties.
func (e *Entity) Save() ([]Property, error) {
	return e.Properties, nil
}

// LoadKey sets e.Key.
func (e *Entity) LoadKey(k *Key) error {
	e.Key = k
	return nil
}

// Property returns the value of the named property and whether it was
// present.
func (e *Entity) Property(name string) (interface{}, bool) {
	for _, p := range e.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// GeoPoint represents a location as latitude/longitude in degrees.
type GeoPoint struct {
	Lat, Lng float64
}

// Valid returns whether a GeoPoint is within [-90, 90] latitude and
// [-180, 180] longitude.
func (g GeoPoint) Valid() bool {
	return -90 <= g.Lat && g.Lat <= 90 && -180 <= g.Lng && g.Lng <= 180
}

// PropertyLoadSaver can be converted from and to a slice of Properties.
type PropertyLoadSaver interface {
	Load([]Property) error
	Save() ([]Property, error)
}

// KeyLoader can store a Key.
type KeyLoader interface {
	// PropertyLoadSaver is embedded because a KeyLoader
	// must also always implement PropertyLoadSaver.
	PropertyLoadSaver
	LoadKey(k *Key) error
}

// PropertyList converts a []Property to implement PropertyLoadSaver.
type PropertyList []Property

var (
	typeOfPropertyLoadSaver = reflect.TypeOf((*PropertyLoadSaver)(nil)).Elem()
	typeOfPropertyList      = reflect.TypeOf(PropertyList(nil))
	typeOfByteSlice         = reflect.TypeOf([]byte(nil))
	typeOfTime              = reflect.TypeOf(time.Time{})
	typeOfGeoPoint          = reflect.TypeOf(GeoPoint{})
	typeOfKeyPtr            = reflect.TypeOf(&Key{})
	typeOfEntityPtr         = reflect.TypeOf(&Entity{})
)

// Load loads all of the provided properties into l.
// It does not first reset *l to an empty slice.
func (l *PropertyList) Load(p []Property) error {
	*l = append(*l, p...)
	return nil
}

// Save saves all of l's properties as a slice of Properties.
func (l *PropertyList) Save() ([]Property, error) {
	return *l, nil
}

// validPropertyName returns whether name consists of one or more valid Go
// identifiers joined by ".".
func validPropertyName(name string) bool {
	if name == "" {
		return false
	}
	for _, s := range strings.Split(name, ".") {
		if s == "" {
			return false
		}
		first := true
		for _, c := range s {
			if first {
				first = false
				if c != '_' && !unicode.IsLetter(c) {
					return false
				}
			} else {
				if c != '_' && !unicode.IsLetter(c) && !unicode.IsDigit(c) {
					return false
				}
			}
		}
	}
	return true
}

// fieldCodec describes how one struct field is stored.
type fieldCodec struct {
	name    string
	index   int
	noIndex bool
	// sub is the codec of a nested struct field, stored as an *Entity.
	sub *structCodec
}

// structCodec describes how to convert a struct to and from a sequence of
// properties.
type structCodec struct {
	fields []fieldCodec
	byName map[string]int
}

// structCodecs caches a *structCodec per reflect.Type.
var structCodecs sync.Map

// getStructCodec returns the structCodec for the given struct type.
func getStructCodec(t reflect.Type) (*structCodec, error) {
	if c, ok := structCodecs.Load(t); ok {
		return c.(*structCodec), nil
	}
	c, err := newStructCodec(t, map[reflect.Type]bool{})
	if err != nil {
		return nil, err
	}
	structCodecs.Store(t, c)
	return c, nil
}

// newStructCodec builds a codec for t. inProgress guards against recursive
// types.
func newStructCodec(t reflect.Type, inProgress map[reflect.Type]bool) (*structCodec, error) {
	if inProgress[t] {
		return nil, fmt.Errorf("datastore: recursive struct: %v", t)
	}
	inProgress[t] = true
	defer delete(inProgress, t)

	c := &structCodec{byName: make(map[string]int)}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			// Unexported.
			continue
		}
		name, opts := f.Tag.Get("datastore"), ""
		if i := strings.Index(name, ","); i != -1 {
			name, opts = name[:i], name[i+1:]
		}
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if !validPropertyName(name) {
			return nil, fmt.Errorf("datastore: struct tag has invalid property name: %q", name)
		}
		if _, ok := c.byName[name]; ok {
			return nil, fmt.Errorf("datastore: struct tag has repeated property name: %q", name)
		}
		fc := fieldCodec{name: name, index: i}
		for _, o := range strings.Split(opts, ",") {
			switch o {
			case "":
			case "noindex":
				fc.noIndex = true
			default:
				return nil, fmt.Errorf("datastore: struct tag has invalid option: %q", o)
			}
		}
		ft := f.Type
		if ft.Kind() == reflect.Slice && ft != typeOfByteSlice {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Ptr && ft.Elem().Kind() == reflect.Struct && ft != typeOfKeyPtr && ft != typeOfEntityPtr {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct && ft != typeOfTime && ft != typeOfGeoPoint {
			sub, err := newStructCodec(ft, inProgress)
			if err != nil {
				return nil, err
			}
			fc.sub = sub
		}
		c.byName[name] = len(c.fields)
		c.fields = append(c.fields, fc)
	}
	return c, nil
}

// structPLS adapts a struct to be a PropertyLoadSaver.
type structPLS struct {
	v     reflect.Value
	codec *structCodec
}

// newStructPLS returns a structPLS, which implements the
// PropertyLoadSaver interface, for the struct pointer p.
func newStructPLS(p interface{}) (*structPLS, error) {
	v := reflect.ValueOf(p)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil, ErrInvalidEntityType
	}
	v = v.Elem()
	codec, err := getStructCodec(v.Type())
	if err != nil {
		return nil, err
	}
	return &structPLS{v, codec}, nil
}

// LoadStruct loads the properties from p to dst.
// dst must be a struct pointer.
//
// The values of dst's unmatched struct fields are not modified,
// and matching slice-typed fields are not reset before appending to
// them. In particular, it is recommended to pass a pointer to a zero
// valued struct on each LoadStruct call.
func LoadStruct(dst interface{}, p []Property) error {
	x, err := newStructPLS(dst)
	if err != nil {
		return err
	}
	return x.Load(p)
}

// SaveStruct returns the properties from src as a slice of Properties.
// src must be a struct pointer.
func SaveStruct(src interface{}) ([]Property, error) {
	x, err := newStructPLS(src)
	if err != nil {
		return nil, err
	}
	return x.Save()
}
