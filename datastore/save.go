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
	"errors"
	"fmt"
	"reflect"
	"time"

	pb "cloud.google.com/go/datastore/apiv1/datastorepb"
	"google.golang.org/genproto/googleapis/type/latlng"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Indexed string and []byte values are limited to this many bytes.
const maxIndexedValueBytes = 1500

// The range of timestamps Datastore can hold.
var (
	minTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxTime = time.Date(9999, time.December, 31, 23, 59, 59, 999999000, time.UTC)
)

// Save implements PropertyLoadSaver.
func (s *structPLS) Save() ([]Property, error) {
	props := make([]Property, 0, len(s.codec.fields))
	for _, fc := range s.codec.fields {
		v, err := saveValue(s.v.Field(fc.index), fc.sub)
		if err != nil {
			return nil, fmt.Errorf("datastore: field %q: %w", fc.name, err)
		}
		props = append(props, Property{Name: fc.name, Value: v, NoIndex: fc.noIndex})
	}
	return props, nil
}

// saveValue converts a struct field to a property value.
func saveValue(v reflect.Value, sub *structCodec) (interface{}, error) {
	switch x := v.Interface().(type) {
	case *Key:
		if x == nil {
			return nil, nil
		}
		return x, nil
	case *Entity:
		if x == nil {
			return nil, nil
		}
		return x, nil
	case time.Time, GeoPoint, []byte:
		return x, nil
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Slice:
		arr := make([]interface{}, v.Len())
		for i := range arr {
			elem := v.Index(i)
			if elem.Kind() == reflect.Slice && elem.Type() != typeOfByteSlice {
				return nil, errors.New("nested slices are not supported")
			}
			x, err := saveValue(elem, sub)
			if err != nil {
				return nil, err
			}
			arr[i] = x
		}
		return arr, nil
	case reflect.Ptr:
		if sub == nil {
			break
		}
		if v.IsNil() {
			return nil, nil
		}
		return saveNested(v.Elem(), sub)
	case reflect.Struct:
		if sub == nil {
			break
		}
		return saveNested(v, sub)
	}
	return nil, fmt.Errorf("unsupported struct field type: %v", v.Type())
}

func saveNested(v reflect.Value, sub *structCodec) (*Entity, error) {
	props, err := (&structPLS{v: v, codec: sub}).Save()
	if err != nil {
		return nil, err
	}
	return &Entity{Properties: props}, nil
}

// saveEntity converts a PropertyLoadSaver or struct pointer into an
// EntityProto. Properties ex lists for the key's kind are not indexed.
func saveEntity(key *Key, src interface{}, ex *IndexExclusions) (*pb.Entity, error) {
	var err error
	var props []Property
	if e, ok := src.(PropertyLoadSaver); ok {
		props, err = e.Save()
	} else {
		props, err = SaveStruct(src)
	}
	if err != nil {
		return nil, err
	}
	return propertiesToProto(key, props, ex)
}

func propertiesToProto(key *Key, props []Property, ex *IndexExclusions) (*pb.Entity, error) {
	e := &pb.Entity{
		Key:        keyToProto(key),
		Properties: make(map[string]*pb.Value, len(props)),
	}
	indexedProps := 0
	for _, p := range props {
		if _, ok := e.Properties[p.Name]; ok {
			return nil, fmt.Errorf("datastore: duplicate Property with Name %q", p.Name)
		}
		noIndex := p.NoIndex
		if key != nil && ex.Excluded(key.Kind, p.Name) {
			noIndex = true
		}
		val, err := interfaceToProto(p.Value, noIndex)
		if err != nil {
			return nil, fmt.Errorf("datastore: %v for a Property with Name %q", err, p.Name)
		}
		if !noIndex {
			if arr, ok := p.Value.([]interface{}); ok {
				indexedProps += len(arr)
			} else {
				indexedProps++
			}
		}
		if indexedProps > maxIndexedProperties {
			return nil, errors.New("datastore: too many indexed properties")
		}
		e.Properties[p.Name] = val
	}
	return e, nil
}

// interfaceToProto converts a property value to its protocol buffer form.
// Nested entities inherit noIndex.
func interfaceToProto(iv interface{}, noIndex bool) (*pb.Value, error) {
	val := &pb.Value{ExcludeFromIndexes: noIndex}
	switch v := iv.(type) {
	case nil:
		val.ValueType = &pb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}
	case int:
		val.ValueType = &pb.Value_IntegerValue{IntegerValue: int64(v)}
	case int32:
		val.ValueType = &pb.Value_IntegerValue{IntegerValue: int64(v)}
	case int64:
		val.ValueType = &pb.Value_IntegerValue{IntegerValue: v}
	case bool:
		val.ValueType = &pb.Value_BooleanValue{BooleanValue: v}
	case string:
		if len(v) > maxIndexedValueBytes && !noIndex {
			return nil, errors.New("string property too long to index")
		}
		val.ValueType = &pb.Value_StringValue{StringValue: v}
	case float32:
		val.ValueType = &pb.Value_DoubleValue{DoubleValue: float64(v)}
	case float64:
		val.ValueType = &pb.Value_DoubleValue{DoubleValue: v}
	case *Key:
		if v == nil {
			val.ValueType = &pb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}
			break
		}
		if !v.valid() {
			return nil, ErrInvalidKey
		}
		val.ValueType = &pb.Value_KeyValue{KeyValue: keyToProto(v)}
	case GeoPoint:
		if !v.Valid() {
			return nil, errors.New("invalid GeoPoint value")
		}
		val.ValueType = &pb.Value_GeoPointValue{GeoPointValue: &latlng.LatLng{
			Latitude:  v.Lat,
			Longitude: v.Lng,
		}}
	case time.Time:
		if v.Before(minTime) || v.After(maxTime) {
			return nil, errors.New("time value out of range")
		}
		// Datastore keeps microsecond precision.
		val.ValueType = &pb.Value_TimestampValue{TimestampValue: &timestamppb.Timestamp{
			Seconds: v.Unix(),
			Nanos:   int32(v.Nanosecond() / 1000 * 1000),
		}}
	case []byte:
		if len(v) > maxIndexedValueBytes && !noIndex {
			return nil, errors.New("[]byte property too long to index")
		}
		val.ValueType = &pb.Value_BlobValue{BlobValue: v}
	case *Entity:
		if v == nil {
			val.ValueType = &pb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}
			break
		}
		e := &pb.Entity{
			Key:        keyToProto(v.Key),
			Properties: make(map[string]*pb.Value, len(v.Properties)),
		}
		for _, p := range v.Properties {
			pv, err := interfaceToProto(p.Value, noIndex || p.NoIndex)
			if err != nil {
				return nil, fmt.Errorf("nested property %q: %v", p.Name, err)
			}
			e.Properties[p.Name] = pv
		}
		val.ValueType = &pb.Value_EntityValue{EntityValue: e}
	case []interface{}:
		arr := make([]*pb.Value, 0, len(v))
		for i := range v {
			if _, ok := v[i].([]interface{}); ok {
				return nil, errors.New("nested arrays are not supported")
			}
			elem, err := interfaceToProto(v[i], noIndex)
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		val.ValueType = &pb.Value_ArrayValue{ArrayValue: &pb.ArrayValue{Values: arr}}
		// ArrayValues have ExcludeFromIndexes set on the individual items,
		// rather than the top-level value.
		val.ExcludeFromIndexes = false
	default:
		return nil, fmt.Errorf("invalid Value type %T", iv)
	}
	return val, nil
}
