// Copyright 2019 Google LLC
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
	"errors"
	"testing"
	"time"

	pb "cloud.google.com/go/datastore/apiv1/datastorepb"
	"github.com/gcpbind/cloud"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTransactionCommitResolvesPendingKeys(t *testing.T) {
	ctx := context.Background()
	client, srv, cleanup := newMock(t)
	defer cleanup()

	tid := []byte("tid")
	srv.addRPC(&pb.BeginTransactionRequest{ProjectId: mockProjectID},
		&pb.BeginTransactionResponse{Transaction: tid})
	srv.addRPC(&pb.LookupRequest{
		ProjectId:   mockProjectID,
		Keys:        []*pb.Key{nameKeyProto("Thing", "k1")},
		ReadOptions: &pb.ReadOptions{ConsistencyType: &pb.ReadOptions_Transaction{Transaction: tid}},
	}, &pb.LookupResponse{Found: []*pb.EntityResult{{Entity: thingProto(nameKeyProto("Thing", "k1"), "one", 1)}}})
	srv.addRPC(&pb.CommitRequest{
		ProjectId:           mockProjectID,
		Mode:                pb.CommitRequest_TRANSACTIONAL,
		TransactionSelector: &pb.CommitRequest_Transaction{Transaction: tid},
		Mutations: []*pb.Mutation{
			{Operation: &pb.Mutation_Upsert{Upsert: thingProto(nameKeyProto("Thing", "k1"), "one", 2)}},
			{Operation: &pb.Mutation_Insert{Insert: thingProto(&pb.Key{Path: []*pb.Key_PathElement{{Kind: "Thing"}}}, "new", 1)}},
			{Operation: &pb.Mutation_Delete{Delete: nameKeyProto("Thing", "old")}},
		},
	}, &pb.CommitResponse{MutationResults: []*pb.MutationResult{{}, {Key: idKeyProto("Thing", 77)}, {}}})

	tx, err := client.NewTransaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(tx.ID()) != "tid" {
		t.Errorf("ID() = %q, want tid", tx.ID())
	}
	var cur thing
	if err := tx.Get(NameKey("Thing", "k1", nil), &cur); err != nil {
		t.Fatalf("Get: %v", err)
	}
	cur.Count++
	p1, err := tx.Put(NameKey("Thing", "k1", nil), &cur)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := tx.Put(IncompleteKey("Thing", nil), &thing{Name: "new", Count: 1, Tags: []string{"a", "b"}, Note: "n"})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Delete(NameKey("Thing", "old", nil)); err != nil {
		t.Fatal(err)
	}
	c, err := tx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := c.Key(p1); !got.Equal(NameKey("Thing", "k1", nil)) {
		t.Errorf("complete key resolved to %v", got)
	}
	if got := c.Key(p2); !got.Equal(IDKey("Thing", 77, nil)) {
		t.Errorf("pending key resolved to %v, want /Thing,77", got)
	}

	if err := tx.Rollback(); err != errExpiredTransaction {
		t.Errorf("Rollback after Commit: got %v, want errExpiredTransaction", err)
	}
	if _, err := tx.Put(NameKey("Thing", "k2", nil), &cur); err != errExpiredTransaction {
		t.Errorf("Put after Commit: got %v, want errExpiredTransaction", err)
	}
}

func TestTransactionOptions(t *testing.T) {
	ctx := context.Background()
	client, srv, cleanup := newMock(t)
	defer cleanup()

	srv.addRPC(&pb.BeginTransactionRequest{
		ProjectId: mockProjectID,
		TransactionOptions: &pb.TransactionOptions{
			Mode: &pb.TransactionOptions_ReadOnly_{ReadOnly: &pb.TransactionOptions_ReadOnly{}},
		},
	}, &pb.BeginTransactionResponse{Transaction: []byte("ro")})
	srv.addRPC(&pb.BeginTransactionRequest{
		ProjectId: mockProjectID,
		TransactionOptions: &pb.TransactionOptions{
			Mode: &pb.TransactionOptions_ReadWrite_{ReadWrite: &pb.TransactionOptions_ReadWrite{
				PreviousTransaction: []byte("ro"),
			}},
		},
	}, &pb.BeginTransactionResponse{Transaction: []byte("rw")})
	srv.addRPC(&pb.RollbackRequest{ProjectId: mockProjectID, Transaction: []byte("rw")}, &pb.RollbackResponse{})

	ro, err := client.NewTransaction(ctx, ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	rw, err := client.NewTransaction(ctx, ReadWrite(ro.ID()))
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := rw.Commit(); err != errExpiredTransaction {
		t.Errorf("Commit after Rollback: got %v, want errExpiredTransaction", err)
	}
}

func TestTransactionCommitAborted(t *testing.T) {
	ctx := context.Background()
	client, srv, cleanup := newMock(t)
	defer cleanup()

	srv.addRPC(nil, &pb.BeginTransactionResponse{Transaction: []byte("tid")})
	srv.addRPC(nil, status.Error(codes.Aborted, "contention"))

	tx, err := client.NewTransaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Commit(); err != ErrConcurrentTransaction {
		t.Errorf("got %v, want ErrConcurrentTransaction", err)
	}
}

func TestRunInTransactionRetries(t *testing.T) {
	ctx := context.Background()
	client, srv, cleanup := newMock(t)
	defer cleanup()

	defer func(old func(context.Context, time.Duration) error) { gaxSleep = old }(gaxSleep)
	gaxSleep = func(context.Context, time.Duration) error { return nil }

	srv.addRPC(&pb.BeginTransactionRequest{ProjectId: mockProjectID},
		&pb.BeginTransactionResponse{Transaction: []byte("t1")})
	srv.addRPC(nil, status.Error(codes.Aborted, "contention"))
	srv.addRPC(&pb.BeginTransactionRequest{
		ProjectId: mockProjectID,
		TransactionOptions: &pb.TransactionOptions{
			Mode: &pb.TransactionOptions_ReadWrite_{ReadWrite: &pb.TransactionOptions_ReadWrite{
				PreviousTransaction: []byte("t1"),
			}},
		},
	}, &pb.BeginTransactionResponse{Transaction: []byte("t2")})
	srv.addRPC(nil, &pb.CommitResponse{MutationResults: []*pb.MutationResult{{}}})

	calls := 0
	_, err := client.RunInTransaction(ctx, func(tx *Transaction) error {
		calls++
		_, err := tx.Put(NameKey("Thing", "k1", nil), &thing{Name: "x"})
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	if calls != 2 {
		t.Errorf("f called %d times, want 2", calls)
	}
}

func TestRunInTransactionGivesUp(t *testing.T) {
	ctx := context.Background()
	client, srv, cleanup := newMock(t)
	defer cleanup()

	defer func(old func(context.Context, time.Duration) error) { gaxSleep = old }(gaxSleep)
	gaxSleep = func(context.Context, time.Duration) error { return nil }

	for i := 0; i < 2; i++ {
		srv.addRPC(nil, &pb.BeginTransactionResponse{Transaction: []byte("t")})
		srv.addRPC(nil, status.Error(codes.Aborted, "contention"))
	}
	_, err := client.RunInTransaction(ctx, func(tx *Transaction) error { return nil }, MaxAttempts(2))
	if err != ErrConcurrentTransaction {
		t.Errorf("got %v, want ErrConcurrentTransaction", err)
	}
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	client, srv, cleanup := newMock(t)
	defer cleanup()

	srv.addRPC(nil, &pb.BeginTransactionResponse{Transaction: []byte("t")})
	srv.addRPC(&pb.RollbackRequest{ProjectId: mockProjectID, Transaction: []byte("t")}, &pb.RollbackResponse{})

	errBoom := errors.New("boom")
	_, err := client.RunInTransaction(ctx, func(tx *Transaction) error { return errBoom })
	if err != errBoom {
		t.Errorf("got %v, want %v", err, errBoom)
	}
	if n := srv.remaining(); n != 0 {
		t.Errorf("%d expected RPCs not made", n)
	}
}

func TestTransactionRun(t *testing.T) {
	ctx := context.Background()
	client, srv, cleanup := newMock(t)
	defer cleanup()

	srv.addRPC(nil, &pb.BeginTransactionResponse{Transaction: []byte("t")})
	srv.addRPC(&pb.RunQueryRequest{
		ProjectId:   mockProjectID,
		ReadOptions: &pb.ReadOptions{ConsistencyType: &pb.ReadOptions_Transaction{Transaction: []byte("t")}},
		QueryType: &pb.RunQueryRequest_Query{Query: &pb.Query{
			Kind:       []*pb.KindExpression{{Name: "Thing"}},
			Projection: []*pb.Projection{{Property: &pb.PropertyReference{Name: "__key__"}}},
		}},
	}, &pb.RunQueryResponse{Batch: &pb.QueryResultBatch{MoreResults: pb.QueryResultBatch_NO_MORE_RESULTS}})

	tx, err := client.NewTransaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Run(NewQuery("Thing").KeysOnly()).Next(nil); err != iterator.Done {
		t.Errorf("got %v, want iterator.Done", err)
	}
	it := tx.Run(NewQuery("Thing").EventualConsistency())
	if _, err := it.Next(nil); err == nil || err == iterator.Done {
		t.Errorf("eventual query in transaction: got %v", err)
	}
}

func TestTransactionMutate(t *testing.T) {
	ctx := context.Background()
	client, srv, cleanup := newMock(t)
	defer cleanup()

	srv.addRPC(nil, &pb.BeginTransactionResponse{Transaction: []byte("t")})
	srv.addRPC(nil, &pb.CommitResponse{MutationResults: []*pb.MutationResult{{}, {Key: idKeyProto("Thing", 3)}}})

	tx, err := client.NewTransaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	k1 := NameKey("Thing", "k1", nil)
	pks, err := tx.Mutate(NewDelete(k1), NewDelete(k1), NewInsert(IncompleteKey("Thing", nil), &thing{Name: "n"}))
	if err != nil {
		t.Fatal(err)
	}
	if pks[0] != nil || pks[1] != nil {
		t.Errorf("deletions returned pending keys %v", pks[:2])
	}
	c, err := tx.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Key(pks[2]); !got.Equal(IDKey("Thing", 3, nil)) {
		t.Errorf("got %v, want /Thing,3", got)
	}
}

func TestTransactionCommitMalformedResults(t *testing.T) {
	ctx := context.Background()
	client, srv, cleanup := newMock(t)
	defer cleanup()

	srv.addRPC(nil, &pb.BeginTransactionResponse{Transaction: []byte("tid")})
	srv.addRPC(nil, &pb.CommitResponse{})

	tx, err := client.NewTransaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Put(IncompleteKey("Thing", nil), &thing{Name: "new"}); err != nil {
		t.Fatal(err)
	}
	_, err = tx.Commit()
	var de *cloud.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("got %v (%T), want *cloud.DecodeError", err, err)
	}
}
