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

// In-memory Cloud Tasks server. It keeps queues and tasks in maps, pages
// listings with integer tokens and records the routing header of each call.

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	pb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/gcpbind/cloud/internal/testutil"
	"github.com/gcpbind/cloud/option"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	testProject  = "P"
	testLocation = "L"
)

var fakeNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeServer struct {
	pb.UnimplementedCloudTasksServer

	Addr string

	mu      sync.Mutex
	queues  map[string]*pb.Queue
	tasks   map[string]map[string]*pb.Task // queue name -> task name -> task
	params  []string                       // x-goog-request-params, one per call
	methods []string
}

func newFakeServer(t *testing.T, sopts ...grpc.ServerOption) *fakeServer {
	t.Helper()
	srv, err := testutil.NewServer(sopts...)
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeServer{
		Addr:   srv.Addr,
		queues: map[string]*pb.Queue{},
		tasks:  map[string]map[string]*pb.Task{},
	}
	pb.RegisterCloudTasksServer(srv.Gsrv, f)
	srv.Start()
	t.Cleanup(srv.Close)
	return f
}

func newTestClient(t *testing.T, f *fakeServer, opts ...option.ClientOption) *Client {
	t.Helper()
	opts = append([]option.ClientOption{
		option.WithEndpoint(f.Addr),
		option.WithInsecure(),
		option.WithoutAuthentication(),
	}, opts...)
	c, err := NewClient(context.Background(), testProject, testLocation, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// record notes the method and routing header of a call. It must be called
// with f.mu held.
func (f *fakeServer) record(ctx context.Context, method string) {
	md, _ := metadata.FromIncomingContext(ctx)
	f.methods = append(f.methods, method)
	f.params = append(f.params, strings.Join(md.Get("x-goog-request-params"), ","))
}

func (f *fakeServer) requestParams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.params...)
}

func (f *fakeServer) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.methods {
		if m == method {
			n++
		}
	}
	return n
}

// setTask replaces a stored task, for tests that need server-side state such
// as attempts.
func (f *fakeServer) setTask(t *pb.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := t.GetName()[:strings.Index(t.GetName(), "/tasks/")]
	f.tasks[q][t.GetName()] = t
}

func notFound(name string) error {
	return status.Errorf(codes.NotFound, "Requested entity was not found: %s", name)
}

func page[T any](items []T, pageSize int32, token string) ([]T, string, error) {
	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n > len(items) {
			return nil, "", status.Errorf(codes.InvalidArgument, "bad page token %q", token)
		}
		start = n
	}
	end := len(items)
	if pageSize > 0 && start+int(pageSize) < end {
		end = start + int(pageSize)
	}
	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}
	return items[start:end], next, nil
}

func (f *fakeServer) CreateQueue(ctx context.Context, req *pb.CreateQueueRequest) (*pb.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "CreateQueue")
	q := proto.Clone(req.GetQueue()).(*pb.Queue)
	if !strings.HasPrefix(q.GetName(), req.GetParent()+"/queues/") {
		return nil, status.Errorf(codes.InvalidArgument, "queue %q is not in %q", q.GetName(), req.GetParent())
	}
	if _, ok := f.queues[q.Name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Queue already exists")
	}
	q.State = pb.Queue_RUNNING
	f.queues[q.Name] = q
	f.tasks[q.Name] = map[string]*pb.Task{}
	return q, nil
}

func (f *fakeServer) GetQueue(ctx context.Context, req *pb.GetQueueRequest) (*pb.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "GetQueue")
	q, ok := f.queues[req.GetName()]
	if !ok {
		return nil, notFound(req.GetName())
	}
	return q, nil
}

func (f *fakeServer) DeleteQueue(ctx context.Context, req *pb.DeleteQueueRequest) (*emptypb.Empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "DeleteQueue")
	if _, ok := f.queues[req.GetName()]; !ok {
		return nil, notFound(req.GetName())
	}
	delete(f.queues, req.GetName())
	delete(f.tasks, req.GetName())
	return &emptypb.Empty{}, nil
}

func (f *fakeServer) ListQueues(ctx context.Context, req *pb.ListQueuesRequest) (*pb.ListQueuesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "ListQueues")
	var qs []*pb.Queue
	for name, q := range f.queues {
		if !strings.HasPrefix(name, req.GetParent()+"/") {
			continue
		}
		if req.GetFilter() != "" && req.GetFilter() != "state: "+q.GetState().String() {
			continue
		}
		qs = append(qs, q)
	}
	sort.Slice(qs, func(i, j int) bool { return qs[i].Name < qs[j].Name })
	qs, next, err := page(qs, req.GetPageSize(), req.GetPageToken())
	if err != nil {
		return nil, err
	}
	return &pb.ListQueuesResponse{Queues: qs, NextPageToken: next}, nil
}

func (f *fakeServer) setState(ctx context.Context, method, name string, state pb.Queue_State, purge bool) (*pb.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, method)
	q, ok := f.queues[name]
	if !ok {
		return nil, notFound(name)
	}
	if purge {
		f.tasks[name] = map[string]*pb.Task{}
		q.PurgeTime = timestamppb.New(fakeNow)
	} else {
		q.State = state
	}
	return q, nil
}

func (f *fakeServer) PauseQueue(ctx context.Context, req *pb.PauseQueueRequest) (*pb.Queue, error) {
	return f.setState(ctx, "PauseQueue", req.GetName(), pb.Queue_PAUSED, false)
}

func (f *fakeServer) ResumeQueue(ctx context.Context, req *pb.ResumeQueueRequest) (*pb.Queue, error) {
	return f.setState(ctx, "ResumeQueue", req.GetName(), pb.Queue_RUNNING, false)
}

func (f *fakeServer) PurgeQueue(ctx context.Context, req *pb.PurgeQueueRequest) (*pb.Queue, error) {
	return f.setState(ctx, "PurgeQueue", req.GetName(), 0, true)
}

// view strips request bodies unless the full view is asked for.
func view(t *pb.Task, v pb.Task_View) *pb.Task {
	t = proto.Clone(t).(*pb.Task)
	if v == pb.Task_FULL {
		t.View = pb.Task_FULL
		return t
	}
	t.View = pb.Task_BASIC
	if r := t.GetHttpRequest(); r != nil {
		r.Body = nil
	}
	if r := t.GetAppEngineHttpRequest(); r != nil {
		r.Body = nil
	}
	return t
}

func (f *fakeServer) CreateTask(ctx context.Context, req *pb.CreateTaskRequest) (*pb.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "CreateTask")
	ts, ok := f.tasks[req.GetParent()]
	if !ok {
		return nil, notFound(req.GetParent())
	}
	t := proto.Clone(req.GetTask()).(*pb.Task)
	if t.Name == "" {
		t.Name = req.GetParent() + "/tasks/" + uuid.NewString()
	}
	if _, ok := ts[t.Name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Requested entity already exists")
	}
	t.CreateTime = timestamppb.New(fakeNow)
	if t.ScheduleTime == nil {
		t.ScheduleTime = t.CreateTime
	}
	ts[t.Name] = t
	return view(t, req.GetResponseView()), nil
}

func (f *fakeServer) lookupTask(name string) (*pb.Task, error) {
	i := strings.Index(name, "/tasks/")
	if i < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "bad task name %q", name)
	}
	t, ok := f.tasks[name[:i]][name]
	if !ok {
		return nil, notFound(name)
	}
	return t, nil
}

func (f *fakeServer) GetTask(ctx context.Context, req *pb.GetTaskRequest) (*pb.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "GetTask")
	t, err := f.lookupTask(req.GetName())
	if err != nil {
		return nil, err
	}
	return view(t, req.GetResponseView()), nil
}

func (f *fakeServer) DeleteTask(ctx context.Context, req *pb.DeleteTaskRequest) (*emptypb.Empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "DeleteTask")
	if _, err := f.lookupTask(req.GetName()); err != nil {
		return nil, err
	}
	name := req.GetName()
	delete(f.tasks[name[:strings.Index(name, "/tasks/")]], name)
	return &emptypb.Empty{}, nil
}

func (f *fakeServer) RunTask(ctx context.Context, req *pb.RunTaskRequest) (*pb.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "RunTask")
	t, err := f.lookupTask(req.GetName())
	if err != nil {
		return nil, err
	}
	t.DispatchCount++
	at := &pb.Attempt{
		ScheduleTime: t.ScheduleTime,
		DispatchTime: timestamppb.New(fakeNow),
	}
	if t.FirstAttempt == nil {
		t.FirstAttempt = at
	}
	t.LastAttempt = at
	return view(t, req.GetResponseView()), nil
}

func (f *fakeServer) ListTasks(ctx context.Context, req *pb.ListTasksRequest) (*pb.ListTasksResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx, "ListTasks")
	m, ok := f.tasks[req.GetParent()]
	if !ok {
		return nil, notFound(req.GetParent())
	}
	var ts []*pb.Task
	for _, t := range m {
		ts = append(ts, view(t, req.GetResponseView()))
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name < ts[j].Name })
	ts, next, err := page(ts, req.GetPageSize(), req.GetPageToken())
	if err != nil {
		return nil, err
	}
	return &pb.ListTasksResponse{Tasks: ts, NextPageToken: next}, nil
}

func queuePath(id string) string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", testProject, testLocation, id)
}
