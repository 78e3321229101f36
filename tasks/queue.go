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
	"time"

	pb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/gcpbind/cloud/internal/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/durationpb"
)

// QueueState is the state of a queue.
type QueueState int

const (
	// QueueStateUnspecified means the state was not reported.
	QueueStateUnspecified QueueState = iota
	// QueueRunning means tasks are dispatched.
	QueueRunning
	// QueuePaused means tasks are not dispatched, but can still be added.
	QueuePaused
	// QueueDisabled means the queue was disabled through App Engine
	// configuration.
	QueueDisabled
)

func (s QueueState) String() string {
	switch s {
	case QueueRunning:
		return "Running"
	case QueuePaused:
		return "Paused"
	case QueueDisabled:
		return "Disabled"
	}
	return "Unspecified"
}

var queueStateFromProto = map[pb.Queue_State]QueueState{
	pb.Queue_RUNNING:  QueueRunning,
	pb.Queue_PAUSED:   QueuePaused,
	pb.Queue_DISABLED: QueueDisabled,
}

// RateLimits controls the rate at which tasks of a queue are dispatched.
type RateLimits struct {
	// MaxDispatchesPerSecond is the maximum rate at which tasks are
	// dispatched.
	MaxDispatchesPerSecond float64
	// MaxConcurrentDispatches is the maximum number of tasks dispatched and
	// not yet finished.
	MaxConcurrentDispatches int32
	// MaxBurstSize is reported by the service and ignored on creation.
	MaxBurstSize int32
}

// RetryConfig controls how failed tasks are retried.
type RetryConfig struct {
	// MaxAttempts is the number of attempts per task, including the first.
	// -1 means unlimited.
	MaxAttempts int32
	// MaxRetryDuration bounds the time for retrying a failed task, measured
	// from its first attempt. Zero means unlimited.
	MaxRetryDuration time.Duration
	// MinBackoff and MaxBackoff bound the wait between attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxDoublings is the number of times the interval between attempts
	// doubles before increasing linearly.
	MaxDoublings int32
}

// QueueConfig describes the configuration of a queue.
type QueueConfig struct {
	// RateLimits, if non-nil, overrides the default dispatch limits.
	RateLimits *RateLimits

	// RetryConfig, if non-nil, overrides the default retry behavior.
	RetryConfig *RetryConfig

	// AppEngineRoutingOverride, if non-nil, routes all App Engine tasks of
	// the queue, overriding their own routing.
	AppEngineRoutingOverride *AppEngineRouting

	// LoggingSamplingRatio is the fraction of task operations that are
	// logged, between 0 and 1. Zero disables logging.
	LoggingSamplingRatio float64

	// State is the state of the queue. It is ignored on creation.
	State QueueState

	// PurgeTime is the last time the queue was purged. It is ignored on
	// creation.
	PurgeTime time.Time

	name string
}

// ID returns the identifier of the queue within its location.
func (cfg *QueueConfig) ID() string {
	return lastSegment(cfg.name)
}

func (cfg *QueueConfig) toProto(name string) *pb.Queue {
	q := &pb.Queue{Name: name}
	if cfg == nil {
		return q
	}
	if r := cfg.RateLimits; r != nil {
		q.RateLimits = &pb.RateLimits{
			MaxDispatchesPerSecond:  r.MaxDispatchesPerSecond,
			MaxConcurrentDispatches: r.MaxConcurrentDispatches,
		}
	}
	if r := cfg.RetryConfig; r != nil {
		q.RetryConfig = &pb.RetryConfig{
			MaxAttempts:      r.MaxAttempts,
			MaxRetryDuration: optDuration(r.MaxRetryDuration),
			MinBackoff:       optDuration(r.MinBackoff),
			MaxBackoff:       optDuration(r.MaxBackoff),
			MaxDoublings:     r.MaxDoublings,
		}
	}
	q.AppEngineRoutingOverride = cfg.AppEngineRoutingOverride.toProto()
	if cfg.LoggingSamplingRatio > 0 {
		q.StackdriverLoggingConfig = &pb.StackdriverLoggingConfig{SamplingRatio: cfg.LoggingSamplingRatio}
	}
	return q
}

func protoToQueueConfig(q *pb.Queue) *QueueConfig {
	cfg := &QueueConfig{
		name:                     q.GetName(),
		AppEngineRoutingOverride: protoToRouting(q.GetAppEngineRoutingOverride()),
		LoggingSamplingRatio:     q.GetStackdriverLoggingConfig().GetSamplingRatio(),
		State:                    queueStateFromProto[q.GetState()],
		PurgeTime:                optTime(q.GetPurgeTime()),
	}
	if r := q.GetRateLimits(); r != nil {
		cfg.RateLimits = &RateLimits{
			MaxDispatchesPerSecond:  r.GetMaxDispatchesPerSecond(),
			MaxConcurrentDispatches: r.GetMaxConcurrentDispatches(),
			MaxBurstSize:            r.GetMaxBurstSize(),
		}
	}
	if r := q.GetRetryConfig(); r != nil {
		cfg.RetryConfig = &RetryConfig{
			MaxAttempts:      r.GetMaxAttempts(),
			MaxRetryDuration: r.GetMaxRetryDuration().AsDuration(),
			MinBackoff:       r.GetMinBackoff().AsDuration(),
			MaxBackoff:       r.GetMaxBackoff().AsDuration(),
			MaxDoublings:     r.GetMaxDoublings(),
		}
	}
	return cfg
}

func optDuration(d time.Duration) *durationpb.Duration {
	if d == 0 {
		return nil
	}
	return durationpb.New(d)
}

// Queue is a reference to a Cloud Tasks queue.
//
// The methods of Queue are safe for use by multiple goroutines.
type Queue struct {
	c *Client

	// The fully qualified name of the queue, in the format
	// "projects/<projid>/locations/<location>/queues/<id>".
	name string
}

// Queue creates a reference to a queue in the client's project and location.
// This call does not perform any network operations.
func (c *Client) Queue(id string) *Queue {
	return &Queue{c: c, name: c.queueName(id)}
}

// ID returns the identifier of the queue within its location.
func (q *Queue) ID() string {
	return lastSegment(q.name)
}

// Name returns the fully qualified name of the queue.
func (q *Queue) Name() string {
	return q.name
}

// String returns the printable globally unique name for the queue.
func (q *Queue) String() string {
	return q.name
}

// CreateQueue creates a new queue with the given ID. If cfg is nil the
// service defaults are used.
func (c *Client) CreateQueue(ctx context.Context, id string, cfg *QueueConfig) (q *Queue, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/tasks.Client.CreateQueue")
	defer func() { trace.EndSpan(ctx, err) }()

	if id == "" {
		return nil, errors.New("tasks: queue ID is empty")
	}
	req := &pb.CreateQueueRequest{Parent: c.parent(), Queue: cfg.toProto(c.queueName(id))}
	var res *pb.Queue
	err = c.invoke(ctx, "CreateQueue", "parent", req.Parent, func(ctx context.Context) error {
		res, err = c.client.CreateQueue(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Queue{c: c, name: res.GetName()}, nil
}

// DeleteQueue deletes the queue with the given ID. It is equivalent to
// c.Queue(id).Delete.
func (c *Client) DeleteQueue(ctx context.Context, id string) error {
	return c.Queue(id).Delete(ctx)
}

// Attrs returns the configuration and state of the queue.
func (q *Queue) Attrs(ctx context.Context) (cfg *QueueConfig, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/tasks.Queue.Attrs")
	defer func() { trace.EndSpan(ctx, err) }()

	var res *pb.Queue
	err = q.c.invoke(ctx, "GetQueue", "name", q.name, func(ctx context.Context) error {
		res, err = q.c.client.GetQueue(ctx, &pb.GetQueueRequest{Name: q.name})
		return err
	})
	if err != nil {
		return nil, err
	}
	return protoToQueueConfig(res), nil
}

// Delete deletes the queue together with all of its tasks.
func (q *Queue) Delete(ctx context.Context) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/tasks.Queue.Delete")
	defer func() { trace.EndSpan(ctx, err) }()

	return q.c.invoke(ctx, "DeleteQueue", "name", q.name, func(ctx context.Context) error {
		_, err := q.c.client.DeleteQueue(ctx, &pb.DeleteQueueRequest{Name: q.name})
		return err
	})
}

// Pause stops the dispatch of tasks until Resume is called. Tasks can still
// be added while the queue is paused.
func (q *Queue) Pause(ctx context.Context) (*QueueConfig, error) {
	return q.changeState(ctx, "PauseQueue", func(ctx context.Context) (*pb.Queue, error) {
		return q.c.client.PauseQueue(ctx, &pb.PauseQueueRequest{Name: q.name})
	})
}

// Resume restarts the dispatch of tasks of a paused queue.
func (q *Queue) Resume(ctx context.Context) (*QueueConfig, error) {
	return q.changeState(ctx, "ResumeQueue", func(ctx context.Context) (*pb.Queue, error) {
		return q.c.client.ResumeQueue(ctx, &pb.ResumeQueueRequest{Name: q.name})
	})
}

// Purge deletes all tasks in the queue. Tasks created before the purge may
// take up to a minute to disappear.
func (q *Queue) Purge(ctx context.Context) (*QueueConfig, error) {
	return q.changeState(ctx, "PurgeQueue", func(ctx context.Context) (*pb.Queue, error) {
		return q.c.client.PurgeQueue(ctx, &pb.PurgeQueueRequest{Name: q.name})
	})
}

func (q *Queue) changeState(ctx context.Context, method string, call func(context.Context) (*pb.Queue, error)) (cfg *QueueConfig, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/tasks.Queue."+method)
	defer func() { trace.EndSpan(ctx, err) }()

	var res *pb.Queue
	err = q.c.invoke(ctx, method, "name", q.name, func(ctx context.Context) error {
		res, err = call(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return protoToQueueConfig(res), nil
}

// Queues returns an iterator over the queues of the client's location. A
// non-empty filter restricts the queues returned, for example
// "state: PAUSED".
func (c *Client) Queues(ctx context.Context, filter string) *QueueIterator {
	it := &QueueIterator{}
	fetch := func(pageSize int, pageToken string) (string, error) {
		req := &pb.ListQueuesRequest{
			Parent:    c.parent(),
			Filter:    filter,
			PageSize:  int32(pageSize),
			PageToken: pageToken,
		}
		var res *pb.ListQueuesResponse
		err := c.invoke(ctx, "ListQueues", "parent", req.Parent, func(ctx context.Context) (err error) {
			res, err = c.client.ListQueues(ctx, req)
			return err
		})
		if err != nil {
			return "", err
		}
		for _, q := range res.GetQueues() {
			it.items = append(it.items, &Queue{c: c, name: q.GetName()})
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

// QueueIterator is an iterator that returns a series of queues.
type QueueIterator struct {
	items    []*Queue
	pageInfo *iterator.PageInfo
	nextFunc func() error
}

// Next returns the next queue. If there are no more queues, iterator.Done
// will be returned.
func (it *QueueIterator) Next() (*Queue, error) {
	if err := it.nextFunc(); err != nil {
		return nil, err
	}
	q := it.items[0]
	it.items = it.items[1:]
	return q, nil
}

// PageInfo supports pagination. See the google.golang.org/api/iterator package for details.
func (it *QueueIterator) PageInfo() *iterator.PageInfo { return it.pageInfo }
