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
	"bytes"
	"errors"
	"strconv"

	pb "cloud.google.com/go/datastore/apiv1/datastorepb"
)

// Key represents the datastore key for a stored entity.
type Key struct {
	// Kind cannot be empty.
	Kind string
	// Either ID or Name must be zero for the Key to be valid.
	// If both are zero, the Key is incomplete.
	ID   int64
	Name string
	// Parent must either be a complete Key or nil.
	Parent *Key

	// Namespace provides the ability to partition your data for multiple
	// tenants. In most cases, it is not necessary to specify a namespace.
	Namespace string
}

// Incomplete reports whether the key does not refer to a stored entity.
func (k *Key) Incomplete() bool {
	return k.Name == "" && k.ID == 0
}

// valid returns whether the key is valid.
func (k *Key) valid() bool {
	if k == nil {
		return false
	}
	for ; k != nil; k = k.Parent {
		if k.Kind == "" {
			return false
		}
		if k.Name != "" && k.ID != 0 {
			return false
		}
		if k.Parent != nil {
			if k.Parent.Incomplete() {
				return false
			}
			if k.Parent.Namespace != k.Namespace {
				return false
			}
		}
	}
	return true
}

// Equal reports whether two keys are equal.
func (k *Key) Equal(o *Key) bool {
	for {
		if k == nil || o == nil {
			return k == o // if either is nil, both must be nil
		}
		if k.Namespace != o.Namespace || k.Name != o.Name || k.ID != o.ID || k.Kind != o.Kind {
			return false
		}
		if k.Parent == nil && o.Parent == nil {
			return true
		}
		k = k.Parent
		o = o.Parent
	}
}

// marshal marshals the key's string representation to the buffer.
func (k *Key) marshal(b *bytes.Buffer) {
	if k.Parent != nil {
		k.Parent.marshal(b)
	}
	b.WriteByte('/')
	b.WriteString(k.Kind)
	b.WriteByte(',')
	if k.Name != "" {
		b.WriteString(k.Name)
	} else {
		b.WriteString(strconv.FormatInt(k.ID, 10))
	}
}

// String returns a string representation of the key, such as
// "/Parent,7/Child,name".
func (k *Key) String() string {
	if k == nil {
		return ""
	}
	b := bytes.NewBuffer(make([]byte, 0, 512))
	k.marshal(b)
	return b.String()
}

// mapKey identifies k within a single request, across namespaces.
func (k *Key) mapKey() string {
	return k.Namespace + "\x00" + k.String()
}

// IncompleteKey creates a new incomplete key. The datastore assigns an ID
// when an entity is stored under it. kind cannot be empty. The key inherits
// the namespace of parent.
func IncompleteKey(kind string, parent *Key) *Key {
	return &Key{
		Kind:      kind,
		Parent:    parent,
		Namespace: namespaceOf(parent),
	}
}

// NameKey creates a new key with a name. kind cannot be empty. parent must
// either be a complete key or nil. The key inherits the namespace of parent.
func NameKey(kind, name string, parent *Key) *Key {
	return &Key{
		Kind:      kind,
		Name:      name,
		Parent:    parent,
		Namespace: namespaceOf(parent),
	}
}

// IDKey creates a new key with an ID. kind cannot be empty. parent must
// either be a complete key or nil. The key inherits the namespace of parent.
func IDKey(kind string, id int64, parent *Key) *Key {
	return &Key{
		Kind:      kind,
		ID:        id,
		Parent:    parent,
		Namespace: namespaceOf(parent),
	}
}

func namespaceOf(k *Key) string {
	if k == nil {
		return ""
	}
	return k.Namespace
}

var errInvalidKeyProto = errors.New("datastore: invalid key")

// keyToProto converts the key to its protocol buffer form. The path runs
// from the root ancestor to k.
func keyToProto(k *Key) *pb.Key {
	if k == nil {
		return nil
	}
	var path []*pb.Key_PathElement
	for key := k; key != nil; key = key.Parent {
		el := &pb.Key_PathElement{Kind: key.Kind}
		if key.ID != 0 {
			el.IdType = &pb.Key_PathElement_Id{Id: key.ID}
		} else if key.Name != "" {
			el.IdType = &pb.Key_PathElement_Name{Name: key.Name}
		}
		path = append(path, el)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	key := &pb.Key{Path: path}
	if k.Namespace != "" {
		key.PartitionId = &pb.PartitionId{NamespaceId: k.Namespace}
	}
	return key
}

// protoToKey decodes a protocol buffer representation of a key into an
// equivalent *Key object.
func protoToKey(p *pb.Key) (*Key, error) {
	if p == nil || len(p.GetPath()) == 0 {
		return nil, errInvalidKeyProto
	}
	var key *Key
	namespace := p.GetPartitionId().GetNamespaceId()
	for _, el := range p.GetPath() {
		key = &Key{
			Namespace: namespace,
			Kind:      el.GetKind(),
			ID:        el.GetId(),
			Name:      el.GetName(),
			Parent:    key,
		}
	}
	if !key.valid() {
		return nil, errInvalidKeyProto
	}
	return key, nil
}
