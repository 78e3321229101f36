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
	"fmt"
	"net/http"
	"strings"
	"time"

	pb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/gcpbind/cloud/internal/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// View controls which fields of a task are returned by the service.
type View int

const (
	// ViewUnspecified lets the service choose, which is currently ViewBasic.
	ViewUnspecified View = iota
	// ViewBasic omits the request bodies of tasks.
	ViewBasic
	// ViewFull returns every field. It requires the cloudtasks.tasks.fullView
	// permission.
	ViewFull
)

var viewToProto = map[View]pb.Task_View{
	ViewUnspecified: pb.Task_VIEW_UNSPECIFIED,
	ViewBasic:       pb.Task_BASIC,
	ViewFull:        pb.Task_FULL,
}

var viewFromProto = map[pb.Task_View]View{
	pb.Task_BASIC: ViewBasic,
	pb.Task_FULL:  ViewFull,
}

// OAuthToken asks the service to attach an OAuth access token for the given
// service account to the request. It should be used for Google APIs.
type OAuthToken struct {
	ServiceAccountEmail string
	// Scope defaults to https://www.googleapis.com/auth/cloud-platform.
	Scope string
}

// OIDCToken asks the service to attach an OpenID Connect token for the given
// service account to the request.
type OIDCToken struct {
	ServiceAccountEmail string
	// Audience defaults to the target URL.
	Audience string
}

// HTTPRequest is a task payload sent to an arbitrary HTTP endpoint.
type HTTPRequest struct {
	// URL is the full URL the request is sent to. It must use http or https.
	URL string
	// Method defaults to POST.
	Method  string
	Headers map[string]string
	// Body is only allowed for POST, PUT and PATCH requests.
	Body []byte

	// At most one of OAuthToken and OIDCToken may be set.
	OAuthToken *OAuthToken
	OIDCToken  *OIDCToken
}

// AppEngineRouting selects the App Engine service, version and instance a
// task is sent to.
type AppEngineRouting struct {
	Service  string
	Version  string
	Instance string

	// Host is computed by the service and ignored on creation.
	Host string
}

// AppEngineHTTPRequest is a task payload sent to an App Engine application.
type AppEngineHTTPRequest struct {
	// Method defaults to POST.
	Method      string
	Routing     *AppEngineRouting
	RelativeURI string
	Headers     map[string]string
	Body        []byte
}

// TaskConfig describes a task to create. Exactly one of HTTPRequest and
// AppEngineHTTPRequest must be set.
type TaskConfig struct {
	// ID is optional. If empty, the service assigns one. Tasks with an
	// explicit ID are deduplicated for about an hour after deletion.
	ID string

	// ScheduleTime, if non-zero, delays the first attempt.
	ScheduleTime time.Time

	// DispatchDeadline bounds how long the service waits for the target to
	// respond to an attempt.
	DispatchDeadline time.Duration

	HTTPRequest          *HTTPRequest
	AppEngineHTTPRequest *AppEngineHTTPRequest

	// ResponseView controls which fields of the created task are returned.
	ResponseView View
}

// Attempt describes one dispatch of a task.
type Attempt struct {
	ScheduleTime time.Time
	DispatchTime time.Time
	ResponseTime time.Time
	// ResponseStatus is nil until the attempt has completed.
	ResponseStatus *status.Status
}

// Task is a unit of work held by a queue.
type Task struct {
	// Name is the fully qualified name of the task.
	Name string

	ScheduleTime     time.Time
	CreateTime       time.Time
	DispatchDeadline time.Duration

	// DispatchCount is the number of attempts dispatched, and ResponseCount
	// the number of those that received a response.
	DispatchCount int32
	ResponseCount int32

	FirstAttempt *Attempt
	LastAttempt  *Attempt

	// View is the view this task was returned with. Request bodies are only
	// populated for ViewFull.
	View View

	HTTPRequest          *HTTPRequest
	AppEngineHTTPRequest *AppEngineHTTPRequest
}

// ID returns the identifier of the task within its queue.
func (t *Task) ID() string {
	return lastSegment(t.Name)
}

// CreateTask adds a task to the queue.
func (q *Queue) CreateTask(ctx context.Context, cfg *TaskConfig) (t *Task, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/tasks.Queue.CreateTask")
	defer func() { trace.EndSpan(ctx, err) }()

	task, err := cfg.toProto(q.name)
	if err != nil {
		return nil, err
	}
	req := &pb.CreateTaskRequest{
		Parent:       q.name,
		Task:         task,
		ResponseView: viewToProto[cfg.ResponseView],
	}
	var res *pb.Task
	err = q.c.invoke(ctx, "CreateTask", "parent", q.name, func(ctx context.Context) error {
		res, err = q.c.client.CreateTask(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return protoToTask(res), nil
}

// Task returns the task with the given ID.
func (q *Queue) Task(ctx context.Context, id string, view View) (t *Task, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/tasks.Queue.Task")
	defer func() { trace.EndSpan(ctx, err) }()

	req := &pb.GetTaskRequest{Name: q.taskName(id), ResponseView: viewToProto[view]}
	var res *pb.Task
	err = q.c.invoke(ctx, "GetTask", "name", req.Name, func(ctx context.Context) error {
		res, err = q.c.client.GetTask(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return protoToTask(res), nil
}

// DeleteTask deletes the task with the given ID. A task that has already
// completed or been deleted results in a NotFound service error.
func (q *Queue) DeleteTask(ctx context.Context, id string) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/tasks.Queue.DeleteTask")
	defer func() { trace.EndSpan(ctx, err) }()

	name := q.taskName(id)
	return q.c.invoke(ctx, "DeleteTask", "name", name, func(ctx context.Context) error {
		_, err := q.c.client.DeleteTask(ctx, &pb.DeleteTaskRequest{Name: name})
		return err
	})
}

// RunTask forces the task to be dispatched now, even if the queue is paused
// or the task is scheduled for later. The returned task reflects the
// dispatch.
func (q *Queue) RunTask(ctx context.Context, id string, view View) (t *Task, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/tasks.Queue.RunTask")
	defer func() { trace.EndSpan(ctx, err) }()

	req := &pb.RunTaskRequest{Name: q.taskName(id), ResponseView: viewToProto[view]}
	var res *pb.Task
	err = q.c.invoke(ctx, "RunTask", "name", req.Name, func(ctx context.Context) error {
		res, err = q.c.client.RunTask(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return protoToTask(res), nil
}

// Tasks returns an iterator over the tasks in the queue, in no particular
// order.
func (q *Queue) Tasks(ctx context.Context, view View) *TaskIterator {
	it := &TaskIterator{}
	fetch := func(pageSize int, pageToken string) (string, error) {
		req := &pb.ListTasksRequest{
			Parent:       q.name,
			ResponseView: viewToProto[view],
			PageSize:     int32(pageSize),
			PageToken:    pageToken,
		}
		var res *pb.ListTasksResponse
		err := q.c.invoke(ctx, "ListTasks", "parent", q.name, func(ctx context.Context) (err error) {
			res, err = q.c.client.ListTasks(ctx, req)
			return err
		})
		if err != nil {
			return "", err
		}
		for _, t := range res.GetTasks() {
			it.items = append(it.items, protoToTask(t))
		}
		return res.GetNextPageToken(), nil
	}
	it.pageInfo, it.nextFunc = iterator.NewPageInfo(
		fetch,
		func() int { return len(it.items) },
		func() interface{} { b := it.items; it.items = nil; return b })
	it.pageInfo.MaxSize = defaultPageSize
	return it
}

// TaskIterator is an iterator that returns a series of tasks.
type TaskIterator struct {
	items    []*Task
	pageInfo *iterator.PageInfo
	nextFunc func() error
}

// Next returns the next task. If there are no more tasks, iterator.Done will
// be returned.
func (it *TaskIterator) Next() (*Task, error) {
	if err := it.nextFunc(); err != nil {
		return nil, err
	}
	t := it.items[0]
	it.items = it.items[1:]
	return t, nil
}

// PageInfo supports pagination. See the google.golang.org/api/iterator package for details.
func (it *TaskIterator) PageInfo() *iterator.PageInfo { return it.pageInfo }

func (q *Queue) taskName(id string) string {
	return q.name + "/tasks/" + id
}

func (cfg *TaskConfig) toProto(queue string) (*pb.Task, error) {
	if cfg == nil {
		return nil, errors.New("tasks: nil TaskConfig")
	}
	t := &pb.Task{}
	if cfg.ID != "" {
		t.Name = queue + "/tasks/" + cfg.ID
	}
	if !cfg.ScheduleTime.IsZero() {
		t.ScheduleTime = timestamppb.New(cfg.ScheduleTime)
	}
	if cfg.DispatchDeadline != 0 {
		t.DispatchDeadline = durationpb.New(cfg.DispatchDeadline)
	}
	switch {
	case cfg.HTTPRequest != nil && cfg.AppEngineHTTPRequest != nil:
		return nil, errors.New("tasks: TaskConfig has both HTTPRequest and AppEngineHTTPRequest")
	case cfg.HTTPRequest != nil:
		r, err := cfg.HTTPRequest.toProto()
		if err != nil {
			return nil, err
		}
		t.MessageType = &pb.Task_HttpRequest{HttpRequest: r}
	case cfg.AppEngineHTTPRequest != nil:
		r, err := cfg.AppEngineHTTPRequest.toProto()
		if err != nil {
			return nil, err
		}
		t.MessageType = &pb.Task_AppEngineHttpRequest{AppEngineHttpRequest: r}
	default:
		return nil, errors.New("tasks: TaskConfig needs an HTTPRequest or an AppEngineHTTPRequest")
	}
	return t, nil
}

func (r *HTTPRequest) toProto() (*pb.HttpRequest, error) {
	if r.URL == "" {
		return nil, errors.New("tasks: HTTPRequest.URL is empty")
	}
	m, err := methodToProto(r.Method)
	if err != nil {
		return nil, err
	}
	p := &pb.HttpRequest{
		Url:        r.URL,
		HttpMethod: m,
		Headers:    copyHeaders(r.Headers),
		Body:       r.Body,
	}
	switch {
	case r.OAuthToken != nil && r.OIDCToken != nil:
		return nil, errors.New("tasks: HTTPRequest has both OAuthToken and OIDCToken")
	case r.OAuthToken != nil:
		p.AuthorizationHeader = &pb.HttpRequest_OauthToken{OauthToken: &pb.OAuthToken{
			ServiceAccountEmail: r.OAuthToken.ServiceAccountEmail,
			Scope:               r.OAuthToken.Scope,
		}}
	case r.OIDCToken != nil:
		p.AuthorizationHeader = &pb.HttpRequest_OidcToken{OidcToken: &pb.OidcToken{
			ServiceAccountEmail: r.OIDCToken.ServiceAccountEmail,
			Audience:            r.OIDCToken.Audience,
		}}
	}
	return p, nil
}

func (r *AppEngineHTTPRequest) toProto() (*pb.AppEngineHttpRequest, error) {
	m, err := methodToProto(r.Method)
	if err != nil {
		return nil, err
	}
	return &pb.AppEngineHttpRequest{
		HttpMethod:       m,
		AppEngineRouting: r.Routing.toProto(),
		RelativeUri:      r.RelativeURI,
		Headers:          copyHeaders(r.Headers),
		Body:             r.Body,
	}, nil
}

func (r *AppEngineRouting) toProto() *pb.AppEngineRouting {
	if r == nil {
		return nil
	}
	return &pb.AppEngineRouting{
		Service:  r.Service,
		Version:  r.Version,
		Instance: r.Instance,
	}
}

func protoToRouting(r *pb.AppEngineRouting) *AppEngineRouting {
	if r == nil {
		return nil
	}
	return &AppEngineRouting{
		Service:  r.GetService(),
		Version:  r.GetVersion(),
		Instance: r.GetInstance(),
		Host:     r.GetHost(),
	}
}

// methodToProto maps an HTTP method name to its enum value. The empty
// string selects POST.
func methodToProto(method string) (pb.HttpMethod, error) {
	if method == "" {
		return pb.HttpMethod_POST, nil
	}
	v, ok := pb.HttpMethod_value[strings.ToUpper(method)]
	if !ok || v == int32(pb.HttpMethod_HTTP_METHOD_UNSPECIFIED) {
		return 0, fmt.Errorf("tasks: unsupported HTTP method %q", method)
	}
	return pb.HttpMethod(v), nil
}

func methodFromProto(m pb.HttpMethod) string {
	if m == pb.HttpMethod_HTTP_METHOD_UNSPECIFIED {
		return http.MethodPost
	}
	return m.String()
}

func protoToTask(t *pb.Task) *Task {
	task := &Task{
		Name:             t.GetName(),
		ScheduleTime:     optTime(t.GetScheduleTime()),
		CreateTime:       optTime(t.GetCreateTime()),
		DispatchDeadline: t.GetDispatchDeadline().AsDuration(),
		DispatchCount:    t.GetDispatchCount(),
		ResponseCount:    t.GetResponseCount(),
		FirstAttempt:     protoToAttempt(t.GetFirstAttempt()),
		LastAttempt:      protoToAttempt(t.GetLastAttempt()),
		View:             viewFromProto[t.GetView()],
	}
	if r := t.GetHttpRequest(); r != nil {
		hr := &HTTPRequest{
			URL:     r.GetUrl(),
			Method:  methodFromProto(r.GetHttpMethod()),
			Headers: r.GetHeaders(),
			Body:    r.GetBody(),
		}
		if tok := r.GetOauthToken(); tok != nil {
			hr.OAuthToken = &OAuthToken{ServiceAccountEmail: tok.GetServiceAccountEmail(), Scope: tok.GetScope()}
		}
		if tok := r.GetOidcToken(); tok != nil {
			hr.OIDCToken = &OIDCToken{ServiceAccountEmail: tok.GetServiceAccountEmail(), Audience: tok.GetAudience()}
		}
		task.HTTPRequest = hr
	}
	if r := t.GetAppEngineHttpRequest(); r != nil {
		task.AppEngineHTTPRequest = &AppEngineHTTPRequest{
			Method:      methodFromProto(r.GetHttpMethod()),
			Routing:     protoToRouting(r.GetAppEngineRouting()),
			RelativeURI: r.GetRelativeUri(),
			Headers:     r.GetHeaders(),
			Body:        r.GetBody(),
		}
	}
	return task
}

func protoToAttempt(a *pb.Attempt) *Attempt {
	if a == nil {
		return nil
	}
	at := &Attempt{
		ScheduleTime: optTime(a.GetScheduleTime()),
		DispatchTime: optTime(a.GetDispatchTime()),
		ResponseTime: optTime(a.GetResponseTime()),
	}
	if s := a.GetResponseStatus(); s != nil {
		at.ResponseStatus = status.FromProto(s)
	}
	return at
}

// optTime converts ts, leaving the zero time for an unset timestamp.
func optTime(ts *timestamppb.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.AsTime()
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = v
	}
	return m
}
