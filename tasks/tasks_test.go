// Copyright 2020 Google LLC
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

package tasks

import (
	"context"
	"errors"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal/testutil"
	"github.com/gcpbind/cloud/option"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

var cmpAllowUnexported = cmp.AllowUnexported(QueueConfig{})

func mustCreateQueue(t *testing.T, c *Client, id string, cfg *QueueConfig) *Queue {
	t.Helper()
	q, err := c.CreateQueue(context.Background(), id, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

// newTokenClient returns a client that authenticates to f with tokens from ts.
func newTokenClient(t *testing.T, f *fakeServer, ts *testutil.TokenSequence) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), testProject, testLocation,
		option.WithEndpoint(f.Addr),
		option.WithInsecure(),
		option.WithTokenSource(ts))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewClientRequiresLocation(t *testing.T) {
	if _, err := NewClient(context.Background(), testProject, "", option.WithoutAuthentication()); err == nil {
		t.Error("got nil error for an empty location")
	}
}

func TestNewClientUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	_, err = NewClient(context.Background(), testProject, testLocation,
		option.WithEndpoint(addr),
		option.WithInsecure(),
		option.WithoutAuthentication(),
		option.WithConnectTimeout(5*time.Second))
	var ce *cloud.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want *cloud.ConnectionError", err)
	}
}

func TestEmulatorEnv(t *testing.T) {
	f := newFakeServer(t)
	t.Setenv("CLOUD_TASKS_EMULATOR_HOST", f.Addr)
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")

	c, err := NewClient(context.Background(), cloud.DetectProjectID, testLocation)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := c.Project(); got != "emulated-project" {
		t.Errorf("Project: got %q, want emulated-project", got)
	}
	if got := c.Location(); got != testLocation {
		t.Errorf("Location: got %q", got)
	}
}

func TestQueueLifecycle(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	cfg := &QueueConfig{
		RateLimits: &RateLimits{MaxDispatchesPerSecond: 5, MaxConcurrentDispatches: 10},
		RetryConfig: &RetryConfig{
			MaxAttempts: 3,
			MinBackoff:  time.Second,
			MaxBackoff:  time.Minute,
		},
		AppEngineRoutingOverride: &AppEngineRouting{Service: "worker"},
		LoggingSamplingRatio:     0.5,
	}
	q := mustCreateQueue(t, c, "q1", cfg)
	if q.ID() != "q1" || q.Name() != queuePath("q1") {
		t.Errorf("got ID %q name %q", q.ID(), q.Name())
	}
	if _, err := c.CreateQueue(ctx, "q1", nil); cloud.Code(err) != codes.AlreadyExists {
		t.Errorf("duplicate CreateQueue: got %v, want AlreadyExists", err)
	}

	got, err := c.Queue("q1").Attrs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := &QueueConfig{
		RateLimits:               cfg.RateLimits,
		RetryConfig:              cfg.RetryConfig,
		AppEngineRoutingOverride: cfg.AppEngineRoutingOverride,
		LoggingSamplingRatio:     0.5,
		State:                    QueueRunning,
		name:                     queuePath("q1"),
	}
	if diff := testutil.Diff(got, want, cmpAllowUnexported); diff != "" {
		t.Errorf("Attrs mismatch (-got +want):\n%s", diff)
	}
	if got.ID() != "q1" {
		t.Errorf("config ID: got %q", got.ID())
	}

	if got, err := q.Pause(ctx); err != nil || got.State != QueuePaused {
		t.Errorf("Pause: got %v, %v", got, err)
	}
	if got, err := q.Resume(ctx); err != nil || got.State != QueueRunning {
		t.Errorf("Resume: got %v, %v", got, err)
	}
	if got, err := q.Purge(ctx); err != nil || !got.PurgeTime.Equal(fakeNow) {
		t.Errorf("Purge: got %v, %v", got, err)
	}

	if err := c.DeleteQueue(ctx, "q1"); err != nil {
		t.Fatal(err)
	}
	_, err = q.Attrs(ctx)
	if !cloud.IsNotFound(err) {
		t.Errorf("Attrs after delete: got %v, want NotFound", err)
	}
	var se *cloud.ServiceError
	if !errors.As(err, &se) || se.Message == "" {
		t.Errorf("got %v, want a *cloud.ServiceError with a message", err)
	}
}

func TestQueuesAllPages(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	var want []string
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		mustCreateQueue(t, c, id, nil)
		want = append(want, queuePath(id))
	}
	if _, err := c.Queue("c").Pause(ctx); err != nil {
		t.Fatal(err)
	}

	it := c.Queues(ctx, "")
	it.PageInfo().MaxSize = 2
	var got []string
	for {
		q, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, q.Name())
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Errorf("queues (-got +want):\n%s", diff)
	}
	if n := f.callCount("ListQueues"); n != 3 {
		t.Errorf("ListQueues calls: got %d, want 3", n)
	}
	if _, err := it.Next(); err != iterator.Done {
		t.Errorf("Next after Done: got %v", err)
	}

	it = c.Queues(ctx, "state: PAUSED")
	q, err := it.Next()
	if err != nil || q.ID() != "c" {
		t.Fatalf("filtered: got %v, %v", q, err)
	}
	if _, err := it.Next(); err != iterator.Done {
		t.Errorf("filtered: got %v, want iterator.Done", err)
	}
}

func TestRoutingHeader(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	q := mustCreateQueue(t, c, "q", nil)
	if _, err := q.Attrs(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.DeleteTask(ctx, "missing"); !cloud.IsNotFound(err) {
		t.Errorf("DeleteTask: got %v, want NotFound", err)
	}
	want := []string{
		"parent=" + url.QueryEscape("projects/P/locations/L"),
		"name=" + url.QueryEscape(queuePath("q")),
		"name=" + url.QueryEscape(queuePath("q")+"/tasks/missing"),
	}
	if diff := testutil.Diff(f.requestParams(), want); diff != "" {
		t.Errorf("x-goog-request-params (-got +want):\n%s", diff)
	}
}

func TestQueueHandleEquivalence(t *testing.T) {
	f := newFakeServer(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	created := mustCreateQueue(t, c, "q", nil)
	handle := c.Queue("q")
	if created.Name() != handle.Name() || created.String() != handle.String() {
		t.Errorf("created %q, handle %q", created, handle)
	}
	a1, err := created.Attrs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := handle.Attrs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(a1, a2, cmpAllowUnexported); diff != "" {
		t.Errorf("attrs differ (-created +handle):\n%s", diff)
	}
}

func TestExpiredTokenRefreshedOnce(t *testing.T) {
	f := newFakeServer(t, grpc.UnaryInterceptor(testutil.RejectTokens("token-1")))
	ts := &testutil.TokenSequence{}
	c := newTokenClient(t, f, ts)

	if _, err := c.CreateQueue(context.Background(), "q", nil); err != nil {
		t.Fatalf("got %v, want the rejected token to be refreshed transparently", err)
	}
	if got := ts.Count(); got != 2 {
		t.Errorf("tokens fetched: got %d, want 2", got)
	}
	if n := f.callCount("CreateQueue"); n != 1 {
		t.Errorf("calls reaching the service: got %d, want 1", n)
	}
}

func TestRejectedTwiceFails(t *testing.T) {
	f := newFakeServer(t, grpc.UnaryInterceptor(testutil.RejectTokens("token-1", "token-2")))
	ts := &testutil.TokenSequence{}
	c := newTokenClient(t, f, ts)

	_, err := c.CreateQueue(context.Background(), "q", nil)
	if cloud.Code(err) != codes.Unauthenticated {
		t.Fatalf("got %v, want Unauthenticated", err)
	}
	if got := ts.Count(); got != 2 {
		t.Errorf("tokens fetched: got %d, want 2", got)
	}
}

func TestQueueSpans(t *testing.T) {
	rec := testutil.NewSpanRecorder()
	defer rec.Unregister(context.Background())
	f := newFakeServer(t)
	c := newTestClient(t, f)
	ctx := context.Background()

	q := mustCreateQueue(t, c, "q1", nil)
	if _, err := q.Attrs(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"gcpbind/tasks.Client.CreateQueue",
		"gcpbind/tasks.Queue.Attrs",
		"gcpbind/tasks.Queue.PauseQueue",
		"gcpbind/tasks.Queue.Delete",
	}
	if diff := cmp.Diff(rec.SpanNames(), want); diff != "" {
		t.Errorf("span names: -got +want:\n%s", diff)
	}
}
