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

/*
Package datastore provides a client for Google Cloud Datastore.

Entities are stored under keys and loaded into, or saved from, struct
pointers or PropertyLoadSaver values:

	type Task struct {
		Description string
		Done        bool
		Notes       string `datastore:",noindex"`
	}

	client, err := datastore.NewClient(ctx, "project-id")
	if err != nil {
		// TODO: Handle error.
	}
	key, err := client.Put(ctx, datastore.IncompleteKey("Task", nil), &Task{Description: "write docs"})
	if err != nil {
		// TODO: Handle error.
	}
	var t Task
	err = client.Get(ctx, key, &t)

Struct fields are stored under their Go names unless a `datastore:"name"`
tag says otherwise. A field tagged `datastore:"-"` is ignored, and the
noindex option stores a field without an index. Properties can also be
excluded from indexes per kind with a YAML file; see IndexExclusions.

To use an emulator, set the DATASTORE_EMULATOR_HOST environment variable to
its address.
*/
package datastore // import "github.com/gcpbind/cloud/datastore"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"

	pb "cloud.google.com/go/datastore/apiv1/datastorepb"
	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/detect"
	"github.com/gcpbind/cloud/internal/trace"
	"github.com/gcpbind/cloud/internal/transport"
	"github.com/gcpbind/cloud/option"
)

const (
	// ScopeDatastore grants permissions to view and/or manage datastore entities
	ScopeDatastore = "https://www.googleapis.com/auth/datastore"

	// ScopeCloudPlatform grants permissions to view and manage your data
	// across Google Cloud Platform services.
	ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"

	defaultEndpoint = "datastore.googleapis.com:443"

	// DatastoreEmulatorHostEnv is the environment variable that names the
	// address of a Datastore emulator.
	DatastoreEmulatorHostEnv = "DATASTORE_EMULATOR_HOST"

	// datastoreProjectIDEnv names the project when NewClient is given an
	// empty project ID.
	datastoreProjectIDEnv = "DATASTORE_PROJECT_ID"
)

var (
	// ErrInvalidEntityType is returned when functions like Get or Next are
	// passed a dst or src argument of invalid type.
	ErrInvalidEntityType = errors.New("datastore: invalid entity type")
	// ErrInvalidKey is returned when an invalid key is presented.
	ErrInvalidKey = errors.New("datastore: invalid key")
	// ErrNoSuchEntity is returned when no entity was found for a given key.
	ErrNoSuchEntity = errors.New("datastore: no such entity")

	errMutationResults = errors.New("mutation results do not match the mutations")
)

// ErrFieldMismatch is returned when a field is to be loaded into a different
// type than the one it was stored from, or when a field is missing or
// unexported in the destination struct.
// StructType is the type of the struct pointed to by the destination argument
// passed to Get or to Iterator.Next.
type ErrFieldMismatch struct {
	StructType reflect.Type
	FieldName  string
	Reason     string
}

func (e *ErrFieldMismatch) Error() string {
	return fmt.Sprintf("datastore: cannot load field %q into a %q: %s",
		e.FieldName, e.StructType, e.Reason)
}

// MultiError is returned by batch operations when there are errors with
// particular elements. Errors will be in a one-to-one correspondence with
// the input elements; successful elements will have a nil entry.
type MultiError []error

func (m MultiError) Error() string {
	s, n := "", 0
	for _, e := range m {
		if e != nil {
			if n == 0 {
				s = e.Error()
			}
			n++
		}
	}
	switch n {
	case 0:
		return "(0 errors)"
	case 1:
		return s
	case 2:
		return s + " (and 1 other error)"
	}
	return fmt.Sprintf("%s (and %d other errors)", s, n-1)
}

// Client is a client for reading and writing data in a datastore dataset.
type Client struct {
	conn    *transport.GRPCConn
	client  pb.DatastoreClient
	dataset string // Called dataset by the datastore API, synonym for project ID.
	config  datastoreConfig
}

// NewClient creates a new Client for a given dataset. If the project ID is
// empty, it is derived from the DATASTORE_PROJECT_ID environment variable.
// If the DATASTORE_EMULATOR_HOST environment variable is set, client will use
// its value to connect to a locally-running datastore emulator.
// cloud.DetectProjectID can be passed as the projectID argument to instruct
// NewClient to detect the project ID from the credentials.
//
// Index exclusions are read from the file named by the INDEX_EXCLUDED
// environment variable unless WithIndexExclusions or
// WithIndexExclusionsFile is given.
func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	ds, err := transport.NewSettings(internal.DialSettings{
		DefaultEndpoint: defaultEndpoint,
		DefaultScopes:   []string{ScopeDatastore, ScopeCloudPlatform},
	}, DatastoreEmulatorHostEnv, opts)
	if err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}
	if projectID == "" {
		projectID = os.Getenv(datastoreProjectIDEnv)
	}
	projectID, err = detect.ProjectID(ctx, projectID, DatastoreEmulatorHostEnv, ds)
	if err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}
	if projectID == "" {
		return nil, errors.New("datastore: missing project/dataset id")
	}

	config := newDatastoreConfig(opts...)
	switch {
	case config.exclusions != nil:
	case config.exclusionsPath != "":
		if config.exclusions, err = LoadIndexExclusions(config.exclusionsPath); err != nil {
			return nil, err
		}
	default:
		if config.exclusions, err = indexExclusionsFromEnv(); err != nil {
			return nil, err
		}
	}

	conn, err := transport.DialGRPC(ctx, "datastore", ds)
	if err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}
	return &Client{
		conn:    conn,
		client:  pb.NewDatastoreClient(conn.Conn()),
		dataset: projectID,
		config:  config,
	}, nil
}

// Close closes the Client. Call Close to clean up resources when done with
// the Client.
func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke runs one RPC with credentials and the routing header attached.
func (c *Client) invoke(ctx context.Context, method string, f func(context.Context) error) error {
	ctx = transport.WithRequestParams(ctx, "project_id", c.dataset)
	return c.conn.Invoke(ctx, method, f)
}

func (c *Client) lookup(ctx context.Context, req *pb.LookupRequest) (resp *pb.LookupResponse, err error) {
	err = c.invoke(ctx, "Lookup", func(ctx context.Context) error {
		resp, err = c.client.Lookup(ctx, req)
		return err
	})
	return resp, err
}

func (c *Client) commit(ctx context.Context, req *pb.CommitRequest) (resp *pb.CommitResponse, err error) {
	err = c.invoke(ctx, "Commit", func(ctx context.Context) error {
		resp, err = c.client.Commit(ctx, req)
		return err
	})
	return resp, err
}

func (c *Client) runQuery(ctx context.Context, req *pb.RunQueryRequest) (resp *pb.RunQueryResponse, err error) {
	err = c.invoke(ctx, "RunQuery", func(ctx context.Context) error {
		resp, err = c.client.RunQuery(ctx, req)
		return err
	})
	return resp, err
}

func (c *Client) processFieldMismatchError(err error) error {
	if !c.config.ignoreFieldMismatchErrors {
		return err
	}
	if _, ok := err.(*ErrFieldMismatch); ok {
		return nil
	}
	if me, ok := err.(MultiError); ok {
		any := false
		for i, e := range me {
			if _, ok := e.(*ErrFieldMismatch); ok {
				me[i] = nil
			} else if e != nil {
				any = true
			}
		}
		if !any {
			return nil
		}
	}
	return err
}

type multiArgType int

const (
	multiArgTypeInvalid multiArgType = iota
	multiArgTypePropertyLoadSaver
	multiArgTypeStruct
	multiArgTypeStructPtr
	multiArgTypeInterface
)

// checkMultiArg checks that v has type []S, []*S, []I, or []P, for some struct
// type S, for some interface type I, or some non-interface non-pointer type P
// such that P or *P implements PropertyLoadSaver.
//
// It returns what category the slice's elements are, and the reflect.Type
// that represents S, I or P.
//
// As a special case, PropertyList is an invalid type for v.
func checkMultiArg(v reflect.Value) (m multiArgType, elemType reflect.Type) {
	if v.Kind() != reflect.Slice {
		return multiArgTypeInvalid, nil
	}
	if v.Type() == typeOfPropertyList {
		return multiArgTypeInvalid, nil
	}
	elemType = v.Type().Elem()
	if reflect.PtrTo(elemType).Implements(typeOfPropertyLoadSaver) {
		return multiArgTypePropertyLoadSaver, elemType
	}
	switch elemType.Kind() {
	case reflect.Struct:
		return multiArgTypeStruct, elemType
	case reflect.Interface:
		return multiArgTypeInterface, elemType
	case reflect.Ptr:
		elemType = elemType.Elem()
		if elemType.Kind() == reflect.Struct {
			return multiArgTypeStructPtr, elemType
		}
	}
	return multiArgTypeInvalid, nil
}

// Get loads the entity stored for key into dst, which must be a struct
// pointer or implement PropertyLoadSaver. If there is no such entity for the
// key, Get returns ErrNoSuchEntity.
//
// The values of dst's unmatched struct fields are not modified, and matching
// slice-typed fields are not reset before appending to them. In particular, it
// is recommended to pass a pointer to a zero valued struct on each Get call.
//
// ErrFieldMismatch is returned when a field is to be loaded into a different
// type than the one it was stored from, or when a field is missing or
// unexported in the destination struct. ErrFieldMismatch is only returned if
// dst is a struct pointer.
func (c *Client) Get(ctx context.Context, key *Key, dst interface{}) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/datastore.Get")
	defer func() { trace.EndSpan(ctx, err) }()

	if dst == nil { // get catches nil interfaces; we need to catch nil ptr here
		return ErrInvalidEntityType
	}
	err = c.get(ctx, []*Key{key}, []interface{}{dst}, nil)
	if me, ok := err.(MultiError); ok {
		return c.processFieldMismatchError(me[0])
	}
	return c.processFieldMismatchError(err)
}

// GetMulti is a batch version of Get.
//
// dst must be a []S, []*S, []I or []P, for some struct type S, some interface
// type I, or some non-interface non-pointer type P such that P or *P
// implements PropertyLoadSaver. If an []I, each element must be a valid dst
// for Get: it must be a struct pointer or implement PropertyLoadSaver.
//
// As a special case, PropertyList is an invalid type for dst, even though a
// PropertyList is a slice of structs. It is treated as invalid to avoid being
// mistakenly passed when []PropertyList was intended.
//
// Keys the service defers are looked up again until every key is resolved.
func (c *Client) GetMulti(ctx context.Context, keys []*Key, dst interface{}) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/datastore.GetMulti")
	defer func() { trace.EndSpan(ctx, err) }()

	return c.processFieldMismatchError(c.get(ctx, keys, dst, nil))
}

// maxDeferredLookups bounds the follow-up lookups made for deferred keys.
const maxDeferredLookups = 1000

func (c *Client) get(ctx context.Context, keys []*Key, dst interface{}, opts *pb.ReadOptions) error {
	v := reflect.ValueOf(dst)
	multiArgType, _ := checkMultiArg(v)

	// Sanity checks
	if multiArgType == multiArgTypeInvalid {
		return errors.New("datastore: dst has invalid type")
	}
	if len(keys) != v.Len() {
		return errors.New("datastore: keys and dst slices have different length")
	}
	if len(keys) == 0 {
		return nil
	}

	// Go through keys, validate them, serialize then, and create a dict mapping them to their indices.
	// Equal keys are deduped.
	multiErr, any := make(MultiError, len(keys)), false
	keyMap := make(map[string][]int, len(keys))
	pbKeys := make([]*pb.Key, 0, len(keys))
	for i, k := range keys {
		if !k.valid() {
			multiErr[i] = ErrInvalidKey
			any = true
		} else if k.Incomplete() {
			multiErr[i] = fmt.Errorf("datastore: can't get the incomplete key: %v", k)
			any = true
		} else {
			ks := k.mapKey()
			if _, ok := keyMap[ks]; !ok {
				pbKeys = append(pbKeys, keyToProto(k))
			}
			keyMap[ks] = append(keyMap[ks], i)
		}
	}
	if any {
		return multiErr
	}
	req := &pb.LookupRequest{
		ProjectId:   c.dataset,
		Keys:        pbKeys,
		ReadOptions: opts,
	}
	resp, err := c.lookup(ctx, req)
	if err != nil {
		return err
	}
	found := resp.GetFound()
	missing := resp.GetMissing()
	for i := 0; len(resp.GetDeferred()) > 0 && i < maxDeferredLookups; i++ {
		trace.TracePrintf(ctx, map[string]interface{}{"count": len(resp.GetDeferred())}, "looking up deferred keys")
		req.Keys = resp.GetDeferred()
		resp, err = c.lookup(ctx, req)
		if err != nil {
			return err
		}
		found = append(found, resp.GetFound()...)
		missing = append(missing, resp.GetMissing()...)
	}

	filled := 0
	for _, e := range found {
		k, err := protoToKey(e.GetEntity().GetKey())
		if err != nil {
			return &cloud.DecodeError{What: "datastore lookup response", Err: fmt.Errorf("invalid key: %w", err)}
		}
		index := keyMap[k.mapKey()]
		filled += len(index)
		for _, i := range index {
			elem := v.Index(i)
			if multiArgType == multiArgTypePropertyLoadSaver || multiArgType == multiArgTypeStruct {
				elem = elem.Addr()
			}
			if multiArgType == multiArgTypeStructPtr && elem.IsNil() {
				elem.Set(reflect.New(elem.Type().Elem()))
			}
			if err := loadEntityProto(elem.Interface(), e.GetEntity()); err != nil {
				multiErr[i] = err
				any = true
			}
		}
	}
	for _, e := range missing {
		k, err := protoToKey(e.GetEntity().GetKey())
		if err != nil {
			return &cloud.DecodeError{What: "datastore lookup response", Err: fmt.Errorf("invalid key: %w", err)}
		}
		index := keyMap[k.mapKey()]
		filled += len(index)
		for _, i := range index {
			multiErr[i] = ErrNoSuchEntity
		}
		any = true
	}

	if filled != len(keys) {
		return &cloud.DecodeError{What: "datastore lookup response", Err: fmt.Errorf("got %d entities for %d keys", filled, len(keys))}
	}
	if any {
		return multiErr
	}
	return nil
}

// Put saves the entity src into the datastore with the given key. src must be
// a struct pointer or implement PropertyLoadSaver; if the struct pointer has
// any unexported fields they will be skipped. If the key is incomplete, the
// returned key will be a unique key generated by the datastore.
//
// An entity under an incomplete key is inserted; one under a complete key is
// upserted.
func (c *Client) Put(ctx context.Context, key *Key, src interface{}) (_ *Key, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/datastore.Put")
	defer func() { trace.EndSpan(ctx, err) }()

	k, err := c.putMulti(ctx, []*Key{key}, []interface{}{src})
	if err != nil {
		if me, ok := err.(MultiError); ok {
			return nil, me[0]
		}
		return nil, err
	}
	return k[0], nil
}

// PutMulti is a batch version of Put.
//
// src must satisfy the same conditions as the dst argument to GetMulti.
func (c *Client) PutMulti(ctx context.Context, keys []*Key, src interface{}) (ret []*Key, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/datastore.PutMulti")
	defer func() { trace.EndSpan(ctx, err) }()

	return c.putMulti(ctx, keys, src)
}

func (c *Client) putMulti(ctx context.Context, keys []*Key, src interface{}) ([]*Key, error) {
	mutations, err := c.putMutations(keys, src)
	if err != nil {
		return nil, err
	}
	if len(mutations) == 0 {
		return nil, nil
	}
	resp, err := c.commit(ctx, &pb.CommitRequest{
		ProjectId: c.dataset,
		Mutations: mutations,
		Mode:      pb.CommitRequest_NON_TRANSACTIONAL,
	})
	if err != nil {
		return nil, err
	}
	return resultKeys(keys, resp.GetMutationResults())
}

// resultKeys returns keys with each incomplete key replaced by the key the
// service assigned to it.
func resultKeys(keys []*Key, results []*pb.MutationResult) ([]*Key, error) {
	ret := make([]*Key, len(keys))
	for i, key := range keys {
		if !key.Incomplete() {
			ret[i] = key
			continue
		}
		if i >= len(results) || results[i].GetKey() == nil {
			return nil, &cloud.DecodeError{What: "datastore commit response", Err: errMutationResults}
		}
		k, err := protoToKey(results[i].GetKey())
		if err != nil {
			return nil, &cloud.DecodeError{What: "datastore commit response", Err: fmt.Errorf("invalid key: %w", err)}
		}
		ret[i] = k
	}
	return ret, nil
}

func (c *Client) putMutations(keys []*Key, src interface{}) ([]*pb.Mutation, error) {
	v := reflect.ValueOf(src)
	multiArgType, _ := checkMultiArg(v)
	if multiArgType == multiArgTypeInvalid {
		return nil, errors.New("datastore: src has invalid type")
	}
	if len(keys) != v.Len() {
		return nil, errors.New("datastore: key and src slices have different length")
	}
	if len(keys) == 0 {
		return nil, nil
	}
	multiErr, any := make(MultiError, len(keys)), false
	mutations := make([]*pb.Mutation, 0, len(keys))
	for i, k := range keys {
		if !k.valid() {
			multiErr[i] = ErrInvalidKey
			any = true
			continue
		}
		elem := v.Index(i)
		// Two cases where we need to take the address:
		// 1) multiArgTypePropertyLoadSaver => &elem implements PLS
		// 2) multiArgTypeStruct => saveEntity needs *struct
		if multiArgType == multiArgTypePropertyLoadSaver || multiArgType == multiArgTypeStruct {
			elem = elem.Addr()
		}
		p, err := saveEntity(k, elem.Interface(), c.config.exclusions)
		if err != nil {
			multiErr[i] = err
			any = true
			continue
		}
		mutations = append(mutations, upsertOrInsert(k, p))
	}
	if any {
		return nil, multiErr
	}
	return mutations, nil
}

// upsertOrInsert inserts entities under incomplete keys and upserts the rest.
func upsertOrInsert(k *Key, e *pb.Entity) *pb.Mutation {
	if k.Incomplete() {
		return &pb.Mutation{Operation: &pb.Mutation_Insert{Insert: e}}
	}
	return &pb.Mutation{Operation: &pb.Mutation_Upsert{Upsert: e}}
}

// Delete deletes the entity for the given key.
func (c *Client) Delete(ctx context.Context, key *Key) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/datastore.Delete")
	defer func() { trace.EndSpan(ctx, err) }()

	err = c.deleteMulti(ctx, []*Key{key})
	if me, ok := err.(MultiError); ok {
		return me[0]
	}
	return err
}

// DeleteMulti is a batch version of Delete.
func (c *Client) DeleteMulti(ctx context.Context, keys []*Key) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/datastore.DeleteMulti")
	defer func() { trace.EndSpan(ctx, err) }()

	return c.deleteMulti(ctx, keys)
}

func (c *Client) deleteMulti(ctx context.Context, keys []*Key) error {
	mutations, err := deleteMutations(keys)
	if err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}
	_, err = c.commit(ctx, &pb.CommitRequest{
		ProjectId: c.dataset,
		Mutations: mutations,
		Mode:      pb.CommitRequest_NON_TRANSACTIONAL,
	})
	return err
}

func deleteMutations(keys []*Key) ([]*pb.Mutation, error) {
	mutations := make([]*pb.Mutation, 0, len(keys))
	set := make(map[string]bool, len(keys))
	multiErr, any := make(MultiError, len(keys)), false
	for i, k := range keys {
		if !k.valid() {
			multiErr[i] = ErrInvalidKey
			any = true
		} else if k.Incomplete() {
			multiErr[i] = fmt.Errorf("datastore: can't delete the incomplete key: %v", k)
			any = true
		} else {
			ks := k.mapKey()
			if !set[ks] {
				mutations = append(mutations, &pb.Mutation{
					Operation: &pb.Mutation_Delete{Delete: keyToProto(k)},
				})
			}
			set[ks] = true
		}
	}
	if any {
		return nil, multiErr
	}
	return mutations, nil
}
