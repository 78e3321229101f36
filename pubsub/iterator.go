// Copyright 2016 Google LLC
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

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/trace"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StreamingOptions configures Subscription.Stream.
type StreamingOptions struct {
	// ClientID identifies the client to the service. Streams opened with the
	// same ID share flow-control state. If empty, a random ID is generated.
	ClientID string

	// MaxOutstandingMessages is the maximum number of unacknowledged messages
	// the service sends over the stream at any moment. Zero means no limit.
	MaxOutstandingMessages int64

	// AckDeadline is the ack deadline for messages received over the stream.
	// Zero means 10 seconds.
	AckDeadline time.Duration

	// FilterRedeliveries drops messages the service reports as delivered
	// more than once. Delivery attempts are reported only for subscriptions
	// with a dead letter policy.
	FilterRedeliveries bool

	// AutoAck acknowledges every message as soon as it is received, before
	// Next returns it.
	AutoAck bool
}

// MessageStream is a sequence of messages received over a single streaming
// pull. It must be stopped with Stop when no longer needed.
//
// Next must not be called concurrently; acknowledgements may be sent from any
// goroutine.
type MessageStream struct {
	sub    *Subscription
	opts   StreamingOptions
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards spc and stopped; gRPC streams allow a single sender at a time.
	mu      sync.Mutex
	spc     pb.Subscriber_StreamingPullClient
	stopped bool

	buf      []*Message
	received bool // whether any response arrived on the stream
	reopened bool
	err      error
}

// Stream opens a streaming pull on the subscription. Messages are returned by
// the stream's Next method until Stop is called or the stream fails.
//
// If the service rejects the credentials when the stream starts, the stream
// is reopened once with a fresh token.
func (s *Subscription) Stream(ctx context.Context, opts StreamingOptions) (_ *MessageStream, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/pubsub.Subscription.Stream")
	defer func() { trace.EndSpan(ctx, err) }()

	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.AckDeadline == 0 {
		opts.AckDeadline = defaultAckDeadline
	}
	sctx, cancel := context.WithCancel(ctx)
	ms := &MessageStream{
		sub:    s,
		opts:   opts,
		ctx:    sctx,
		cancel: cancel,
	}
	if err := ms.open(); err != nil {
		cancel()
		return nil, fmt.Errorf("pubsub: Subscription.Stream: %w", err)
	}
	return ms, nil
}

// open establishes (or re-establishes) the stream and sends the initial
// request.
func (ms *MessageStream) open() error {
	spc, err := ms.sub.c.s.streamingPull(ms.ctx, ms.sub.name)
	if err != nil {
		return err
	}
	err = spc.Send(&pb.StreamingPullRequest{
		Subscription:             ms.sub.name,
		StreamAckDeadlineSeconds: trunc32(int64(ms.opts.AckDeadline.Seconds())),
		ClientId:                 ms.opts.ClientID,
		MaxOutstandingMessages:   ms.opts.MaxOutstandingMessages,
	})
	if err != nil && err != io.EOF {
		return internal.ToError(err)
	}
	ms.mu.Lock()
	ms.spc = spc
	ms.mu.Unlock()
	return nil
}

// Next returns the next message. It blocks until a message arrives. Once the
// stream is stopped, Next returns iterator.Done; if the stream fails, Next
// returns the error, and keeps returning it.
func (ms *MessageStream) Next() (*Message, error) {
	for len(ms.buf) == 0 {
		if ms.err != nil {
			return nil, ms.err
		}
		resp, err := ms.spc.Recv()
		if err != nil {
			if !ms.received && !ms.reopened && internal.IsUnauthenticated(err) {
				ms.reopened = true
				ms.sub.c.s.invalidateToken()
				trace.TracePrintf(ms.ctx, nil, "reopening stream after credential rejection")
				if err := ms.open(); err != nil {
					ms.err = err
				}
				continue
			}
			ms.err = ms.terminalError(err)
			return nil, ms.err
		}
		ms.received = true
		msgs, err := convertMessages(resp.GetReceivedMessages(), ms.sub, ms)
		if err != nil {
			ms.err = err
			return nil, err
		}
		for _, m := range msgs {
			if ms.redelivered(m) {
				continue
			}
			if ms.opts.AutoAck {
				if err := ms.ack(m.ackID); err != nil {
					ms.err = err
					return nil, err
				}
			}
			ms.buf = append(ms.buf, m)
		}
	}
	m := ms.buf[0]
	ms.buf = ms.buf[1:]
	return m, nil
}

// redelivered reports whether m should be dropped as a redelivery.
func (ms *MessageStream) redelivered(m *Message) bool {
	return ms.opts.FilterRedeliveries && m.DeliveryAttempt != nil && *m.DeliveryAttempt > 1
}

func (ms *MessageStream) terminalError(err error) error {
	ms.mu.Lock()
	stopped := ms.stopped
	ms.mu.Unlock()
	if err == io.EOF || (stopped && status.Code(err) == codes.Canceled) {
		return iterator.Done
	}
	return internal.ToError(err)
}

var errStreamStopped = errors.New("pubsub: message stream stopped")

func (ms *MessageStream) send(req *pb.StreamingPullRequest) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.stopped {
		return errStreamStopped
	}
	if err := ms.spc.Send(req); err != nil {
		return fmt.Errorf("pubsub: stream send: %w", internal.ToError(err))
	}
	return nil
}

func (ms *MessageStream) ack(ackID string) error {
	return ms.send(&pb.StreamingPullRequest{AckIds: []string{ackID}})
}

func (ms *MessageStream) nack(ackID string) error {
	return ms.send(&pb.StreamingPullRequest{
		ModifyDeadlineAckIds:  []string{ackID},
		ModifyDeadlineSeconds: []int32{0},
	})
}

// Stop closes the stream. Messages received but not yet acknowledged are
// redelivered after their ack deadline. Stop may be called multiple times.
func (ms *MessageStream) Stop() {
	ms.mu.Lock()
	if ms.stopped {
		ms.mu.Unlock()
		return
	}
	ms.stopped = true
	if ms.spc != nil {
		ms.spc.CloseSend()
	}
	ms.mu.Unlock()
	ms.cancel()
}
