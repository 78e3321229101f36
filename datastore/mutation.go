// Copyright 2018 Google LLC
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
	"context"
	"fmt"

	pb "cloud.google.com/go/datastore/apiv1/datastorepb"
	"github.com/gcpbind/cloud/internal/trace"
)

type mutationOp int

const (
	opInsert mutationOp = iota
	opUpsert
	opUpdate
	opDelete
)

// A Mutation represents a change to a Datastore entity.
type Mutation struct {
	key *Key // needed for transaction PendingKeys and to dedup deletions
	op  mutationOp
	src interface{}

	// err is set if the Mutation is not valid.
	err error
}

// NewInsert creates a Mutation that will save the entity src into the
// datastore with key k. If k already exists, calling Mutate with the
// Mutation will lead to a ServiceError with code AlreadyExists.
func NewInsert(k *Key, src interface{}) *Mutation {
	if !k.valid() {
		return &Mutation{err: ErrInvalidKey}
	}
	return &Mutation{key: k, op: opInsert, src: src}
}

// NewUpsert creates a Mutation that saves the entity src into the datastore with key
// k, whether or not k exists. See Client.Put for valid values of src.
func NewUpsert(k *Key, src interface{}) *Mutation {
	if !k.valid() {
		return &Mutation{err: ErrInvalidKey}
	}
	return &Mutation{key: k, op: opUpsert, src: src}
}

// NewUpdate creates a Mutation that replaces the entity in the datastore with
// key k. If k does not exist, calling Mutate with the Mutation will lead to a
// ServiceError with code NotFound.
// See Client.Put for valid values of src.
func NewUpdate(k *Key, src interface{}) *Mutation {
	if !k.valid() {
		return &Mutation{err: ErrInvalidKey}
	}
	if k.Incomplete() {
		return &Mutation{err: fmt.Errorf("datastore: can't update the incomplete key: %v", k)}
	}
	return &Mutation{key: k, op: opUpdate, src: src}
}

// NewDelete creates a Mutation that deletes the entity with key k.
func NewDelete(k *Key) *Mutation {
	if !k.valid() {
		return &Mutation{err: ErrInvalidKey}
	}
	if k.Incomplete() {
		return &Mutation{err: fmt.Errorf("datastore: can't delete the incomplete key: %v", k)}
	}
	return &Mutation{key: k, op: opDelete}
}

// toProto encodes m, applying the index exclusions ex.
func (m *Mutation) toProto(ex *IndexExclusions) (*pb.Mutation, error) {
	if m.op == opDelete {
		return &pb.Mutation{Operation: &pb.Mutation_Delete{Delete: keyToProto(m.key)}}, nil
	}
	e, err := saveEntity(m.key, m.src, ex)
	if err != nil {
		return nil, err
	}
	switch m.op {
	case opInsert:
		return &pb.Mutation{Operation: &pb.Mutation_Insert{Insert: e}}, nil
	case opUpdate:
		return &pb.Mutation{Operation: &pb.Mutation_Update{Update: e}}, nil
	default:
		return &pb.Mutation{Operation: &pb.Mutation_Upsert{Upsert: e}}, nil
	}
}

// mutationProtos encodes muts. Duplicate deletions are sent once.
func (c *Client) mutationProtos(muts []*Mutation) ([]*pb.Mutation, error) {
	var merr MultiError
	protos := make([]*pb.Mutation, 0, len(muts))
	seen := map[string]bool{}
	for i, m := range muts {
		var p *pb.Mutation
		err := m.err
		if err == nil {
			p, err = m.toProto(c.config.exclusions)
		}
		if err != nil {
			if merr == nil {
				merr = make(MultiError, len(muts))
			}
			merr[i] = err
			continue
		}
		if m.op == opDelete {
			ks := m.key.mapKey()
			if seen[ks] {
				continue
			}
			seen[ks] = true
		}
		protos = append(protos, p)
	}
	if merr != nil {
		return nil, merr
	}
	return protos, nil
}

// Mutate applies one or more mutations. Mutations are applied in
// non-transactional mode. If you need atomicity, use Transaction.Mutate.
// It returns the complete keys in the same order as the input mutations.
// The keys of deletions are returned unchanged.
//
// If any of the mutations are invalid, Mutate returns a MultiError with the errors.
// Mutate returns a MultiError in this case even if there is only one Mutation.
func (c *Client) Mutate(ctx context.Context, muts ...*Mutation) (ret []*Key, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/datastore.Mutate")
	defer func() { trace.EndSpan(ctx, err) }()

	pmuts, err := c.mutationProtos(muts)
	if err != nil {
		return nil, err
	}
	resp, err := c.commit(ctx, &pb.CommitRequest{
		ProjectId: c.dataset,
		Mutations: pmuts,
		Mode:      pb.CommitRequest_NON_TRANSACTIONAL,
	})
	if err != nil {
		return nil, err
	}
	keys := make([]*Key, len(muts))
	for i, m := range muts {
		keys[i] = m.key
	}
	results := alignResults(muts, resp.GetMutationResults())
	return resultKeys(keys, results)
}

// alignResults expands results so that results[i] belongs to muts[i],
// leaving the slots of repeated deletions nil.
func alignResults(muts []*Mutation, results []*pb.MutationResult) []*pb.MutationResult {
	out := make([]*pb.MutationResult, len(muts))
	for i, j := range protoIndexes(muts) {
		if j >= 0 && j < len(results) {
			out[i] = results[j]
		}
	}
	return out
}

// protoIndexes returns, for each of muts, its position among the protos
// built by mutationProtos, or -1 for a repeated deletion.
func protoIndexes(muts []*Mutation) []int {
	idx := make([]int, len(muts))
	seen := map[string]bool{}
	j := 0
	for i, m := range muts {
		if m.op == opDelete {
			ks := m.key.mapKey()
			if seen[ks] {
				idx[i] = -1
				continue
			}
			seen[ks] = true
		}
		idx[i] = j
		j++
	}
	return idx
}
