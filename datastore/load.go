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
	"sort"
	"time"

	pb "cloud.google.com/go/datastore/apiv1/datastorepb"
)

// typeMismatchReason returns a string explaining why the property value
// could not be stored in an entity field of type v.Type().
func typeMismatchReason(pValue interface{}, v reflect.Value) string {
	entityType := "empty"
	switch pValue.(type) {
	case int64:
		entityType = "int"
	case bool:
		entityType = "bool"
	case string:
		entityType = "string"
	case float64:
		entityType = "float"
	case *Key:
		entityType = "*datastore.Key"
	case *Entity:
		entityType = "*datastore.Entity"
	case GeoPoint:
		entityType = "GeoPoint"
	case time.Time:
		entityType = "time.Time"
	case []byte:
		entityType = "[]byte"
	case []interface{}:
		entityType = "[]interface {}"
	}
	return fmt.Sprintf("type mismatch: %s versus %v", entityType, v.Type())
}

// Load implements PropertyLoadSaver.
func (s *structPLS) Load(props []Property) error {
	var fieldName, reason string
	for _, p := range props {
		if errStr := s.loadProperty(p); errStr != "" {
			// We don't return early, as we try to load as many properties as possible.
			// It is valid to load an entity into a struct that cannot fully represent it.
			// That case returns an error, but the caller is free to ignore it.
			fieldName, reason = p.Name, errStr
		}
	}
	if reason != "" {
		return &ErrFieldMismatch{
			StructType: s.v.Type(),
			FieldName:  fieldName,
			Reason:     reason,
		}
	}
	return nil
}

func (s *structPLS) loadProperty(p Property) string {
	i, ok := s.codec.byName[p.Name]
	if !ok {
		return "no such struct field"
	}
	fc := s.codec.fields[i]
	v := s.v.Field(fc.index)
	if !v.CanSet() {
		return "cannot set struct field"
	}
	return setVal(v, p.Value, fc.sub)
}

// setVal sets v to pValue. sub is the codec for a nested struct field, or
// nil. The returned string is empty on success.
func setVal(v reflect.Value, pValue interface{}, sub *structCodec) string {
	if v.Kind() == reflect.Slice && v.Type() != typeOfByteSlice {
		arr, ok := pValue.([]interface{})
		if !ok {
			if pValue == nil {
				v.Set(reflect.Zero(v.Type()))
				return ""
			}
			arr = []interface{}{pValue}
		}
		slice := reflect.MakeSlice(v.Type(), len(arr), len(arr))
		for i, x := range arr {
			if errStr := setVal(slice.Index(i), x, sub); errStr != "" {
				return errStr
			}
		}
		v.Set(slice)
		return ""
	}
	if _, ok := pValue.([]interface{}); ok {
		return "multiple-valued property requires a slice field type"
	}
	if pValue == nil {
		v.Set(reflect.Zero(v.Type()))
		return ""
	}

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		x, ok := pValue.(int64)
		if !ok {
			return typeMismatchReason(pValue, v)
		}
		if v.OverflowInt(x) {
			return fmt.Sprintf("value %v overflows struct field of type %v", x, v.Type())
		}
		v.SetInt(x)
	case reflect.Bool:
		x, ok := pValue.(bool)
		if !ok {
			return typeMismatchReason(pValue, v)
		}
		v.SetBool(x)
	case reflect.String:
		x, ok := pValue.(string)
		if !ok {
			return typeMismatchReason(pValue, v)
		}
		v.SetString(x)
	case reflect.Float32, reflect.Float64:
		x, ok := pValue.(float64)
		if !ok {
			return typeMismatchReason(pValue, v)
		}
		if v.OverflowFloat(x) {
			return fmt.Sprintf("value %v overflows struct field of type %v", x, v.Type())
		}
		v.SetFloat(x)
	case reflect.Ptr:
		switch {
		case v.Type() == typeOfKeyPtr:
			x, ok := pValue.(*Key)
			if !ok {
				return typeMismatchReason(pValue, v)
			}
			v.Set(reflect.ValueOf(x))
		case v.Type() == typeOfEntityPtr:
			x, ok := pValue.(*Entity)
			if !ok {
				return typeMismatchReason(pValue, v)
			}
			v.Set(reflect.ValueOf(x))
		case sub != nil:
			x, ok := pValue.(*Entity)
			if !ok {
				return typeMismatchReason(pValue, v)
			}
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			return loadNested(v.Elem(), sub, x)
		default:
			return typeMismatchReason(pValue, v)
		}
	case reflect.Struct:
		switch v.Type() {
		case typeOfTime:
			x, ok := pValue.(time.Time)
			if !ok {
				return typeMismatchReason(pValue, v)
			}
			v.Set(reflect.ValueOf(x))
		case typeOfGeoPoint:
			x, ok := pValue.(GeoPoint)
			if !ok {
				return typeMismatchReason(pValue, v)
			}
			v.Set(reflect.ValueOf(x))
		default:
			x, ok := pValue.(*Entity)
			if !ok || sub == nil {
				return typeMismatchReason(pValue, v)
			}
			return loadNested(v, sub, x)
		}
	case reflect.Slice:
		x, ok := pValue.([]byte)
		if !ok {
			return typeMismatchReason(pValue, v)
		}
		v.SetBytes(x)
	default:
		return typeMismatchReason(pValue, v)
	}
	return ""
}

// loadNested loads the properties of a nested entity into the struct v.
func loadNested(v reflect.Value, codec *structCodec, e *Entity) string {
	pls := &structPLS{v: v, codec: codec}
	if err := pls.Load(e.Properties); err != nil {
		if fm, ok := err.(*ErrFieldMismatch); ok {
			return fmt.Sprintf("%s: %s", fm.FieldName, fm.Reason)
		}
		return err.Error()
	}
	return ""
}

// loadEntityProto loads an EntityProto into a PropertyLoadSaver or struct
// pointer. A KeyLoader also receives the entity's key.
func loadEntityProto(dst interface{}, src *pb.Entity) error {
	props, err := protoToProperties(src)
	if err != nil {
		return err
	}
	e, ok := dst.(PropertyLoadSaver)
	if !ok {
		return LoadStruct(dst, props)
	}
	if err := e.Load(props); err != nil {
		return err
	}
	if kl, ok := e.(KeyLoader); ok && src.GetKey() != nil {
		k, err := protoToKey(src.GetKey())
		if err != nil {
			return err
		}
		return kl.LoadKey(k)
	}
	return nil
}

// protoToProperties returns the properties of src, sorted by name.
func protoToProperties(src *pb.Entity) ([]Property, error) {
	names := make([]string, 0, len(src.GetProperties()))
	for name := range src.GetProperties() {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Property, 0, len(names))
	for _, name := range names {
		val := src.GetProperties()[name]
		v, err := propToValue(val)
		if err != nil {
			return nil, err
		}
		noIndex := val.GetExcludeFromIndexes()
		if arr := val.GetArrayValue(); arr != nil && len(arr.GetValues()) > 0 {
			noIndex = arr.GetValues()[0].GetExcludeFromIndexes()
		}
		out = append(out, Property{Name: name, Value: v, NoIndex: noIndex})
	}
	return out, nil
}

// propToValue returns a Go value that represents the PropertyValue. For
// example, a TimestampValue becomes a time.Time.
func propToValue(v *pb.Value) (interface{}, error) {
	switch v := v.GetValueType().(type) {
	case *pb.Value_NullValue:
		return nil, nil
	case *pb.Value_BooleanValue:
		return v.BooleanValue, nil
	case *pb.Value_IntegerValue:
		return v.IntegerValue, nil
	case *pb.Value_DoubleValue:
		return v.DoubleValue, nil
	case *pb.Value_TimestampValue:
		return v.TimestampValue.AsTime(), nil
	case *pb.Value_KeyValue:
		return protoToKey(v.KeyValue)
	case *pb.Value_StringValue:
		return v.StringValue, nil
	case *pb.Value_BlobValue:
		return []byte(v.BlobValue), nil
	case *pb.Value_GeoPointValue:
		return GeoPoint{Lat: v.GeoPointValue.GetLatitude(), Lng: v.GeoPointValue.GetLongitude()}, nil
	case *pb.Value_EntityValue:
		return protoToEntity(v.EntityValue)
	case *pb.Value_ArrayValue:
		arr := make([]interface{}, 0, len(v.ArrayValue.GetValues()))
		for _, v := range v.ArrayValue.GetValues() {
			x, err := propToValue(v)
			if err != nil {
				return nil, err
			}
			arr = append(arr, x)
		}
		return arr, nil
	default:
		return nil, nil
	}
}

// protoToEntity converts a nested entity value. Its key is optional.
func protoToEntity(src *pb.Entity) (*Entity, error) {
	props, err := protoToProperties(src)
	if err != nil {
		return nil, err
	}
	var key *Key
	if src.GetKey() != nil {
		if key, err = protoToKey(src.GetKey()); err != nil {
			return nil, err
		}
	}
	return &Entity{Key: key, Properties: props}, nil
}
