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
	"time"

	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/durationpb"
)

// deletedTopicName is the topic reported for a subscription whose topic has
// been deleted.
const deletedTopicName = "_deleted-topic_"

// defaultAckDeadline is used when a subscription or stream does not set one.
const defaultAckDeadline = 10 * time.Second

// Subscription is a reference to a PubSub subscription.
type Subscription struct {
	c *Client

	// The fully qualified identifier for the subscription, in the format "projects/<projid>/subscriptions/<name>"
	name string
}

// SubscriptionConfig describes the configuration of a subscription.
type SubscriptionConfig struct {
	// Topic is the topic the subscription receives from. It is set by
	// Subscription.Config and required by Client.CreateSubscription.
	Topic *Topic

	// AckDeadline is the maximum time after a subscriber receives a message
	// before the subscriber should acknowledge the message. It must be
	// between 10 seconds and 10 minutes; zero means 10 seconds.
	AckDeadline time.Duration

	// RetentionDuration is how long to retain messages in the subscription's
	// backlog. A non-zero value also retains acknowledged messages for that
	// long.
	RetentionDuration time.Duration

	// Labels are key/value pairs attached to the subscription.
	Labels map[string]string

	// EnableMessageOrdering delivers messages with the same ordering key in
	// the order they were published.
	EnableMessageOrdering bool

	// Filter restricts delivery to messages whose attributes match the
	// expression.
	Filter string

	retainAckedMessages bool
}

// RetainAckedMessages reports whether the subscription retains acknowledged
// messages. It is meaningful only on configs returned by Subscription.Config.
func (cfg SubscriptionConfig) RetainAckedMessages() bool { return cfg.retainAckedMessages }

func (cfg *SubscriptionConfig) toProto(name string) *pb.Subscription {
	ackDeadline := cfg.AckDeadline
	if ackDeadline == 0 {
		ackDeadline = defaultAckDeadline
	}
	ps := &pb.Subscription{
		Name:                  name,
		Topic:                 cfg.Topic.name,
		AckDeadlineSeconds:    trunc32(int64(ackDeadline.Seconds())),
		Labels:                cfg.Labels,
		EnableMessageOrdering: cfg.EnableMessageOrdering,
		Filter:                cfg.Filter,
	}
	if cfg.RetentionDuration > 0 {
		ps.RetainAckedMessages = true
		ps.MessageRetentionDuration = durationpb.New(cfg.RetentionDuration)
	}
	return ps
}

func protoToSubscriptionConfig(c *Client, ps *pb.Subscription) SubscriptionConfig {
	cfg := SubscriptionConfig{
		Topic:                 &Topic{c: c, name: ps.GetTopic()},
		AckDeadline:           time.Second * time.Duration(ps.GetAckDeadlineSeconds()),
		Labels:                ps.GetLabels(),
		EnableMessageOrdering: ps.GetEnableMessageOrdering(),
		Filter:                ps.GetFilter(),
		retainAckedMessages:   ps.GetRetainAckedMessages(),
	}
	if d := ps.GetMessageRetentionDuration(); d != nil {
		cfg.RetentionDuration = d.AsDuration()
	}
	return cfg
}

// CreateSubscription creates a new subscription on a topic.
//
// id is the name of the subscription to create. It must start with a letter,
// and contain only letters ([A-Za-z]), numbers ([0-9]), dashes (-),
// underscores (_), periods (.), tildes (~), plus (+) or percent signs (%). It
// must be between 3 and 255 characters in length, and must not start with
// "goog".
//
// cfg.Topic is the topic from which the subscription should receive messages.
// It need not belong to the same project as the subscription. This field is
// required.
//
// If the subscription already exists an error will be returned.
func (c *Client) CreateSubscription(ctx context.Context, id string, cfg SubscriptionConfig) (_ *Subscription, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/pubsub.Client.CreateSubscription")
	defer func() { trace.EndSpan(ctx, err) }()

	if cfg.Topic == nil {
		return nil, errors.New("pubsub: require non-nil Topic")
	}
	if cfg.AckDeadline != 0 && (cfg.AckDeadline < 10*time.Second || cfg.AckDeadline > 10*time.Minute) {
		return nil, fmt.Errorf("pubsub: invalid ack deadline %v", cfg.AckDeadline)
	}
	sub := c.Subscription(id)
	if _, err := c.s.createSubscription(ctx, cfg.toProto(sub.name)); err != nil {
		return nil, fmt.Errorf("pubsub: CreateSubscription: %w", err)
	}
	return sub, nil
}

// CreateSubscription creates a new subscription on the topic. It is
// equivalent to t's client calling CreateSubscription with cfg.Topic set to
// t.
func (t *Topic) CreateSubscription(ctx context.Context, id string, cfg SubscriptionConfig) (*Subscription, error) {
	cfg.Topic = t
	return t.c.CreateSubscription(ctx, id, cfg)
}

// Subscription creates a reference to a subscription. No RPC is made.
func (c *Client) Subscription(id string) *Subscription {
	return &Subscription{c: c, name: c.subscriptionName(id)}
}

// DeleteSubscription deletes the subscription with the given ID. It is
// equivalent to c.Subscription(id).Delete.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.Subscription(id).Delete(ctx)
}

// Subscriptions returns an iterator which returns all of the subscriptions for the client's project.
func (c *Client) Subscriptions(ctx context.Context) *SubscriptionIterator {
	it := &SubscriptionIterator{}
	fetch := func(pageSize int, pageToken string) (string, error) {
		subs, next, err := c.s.listProjectSubscriptions(ctx, c.fullyQualifiedProjectName(), pageSize, pageToken)
		if err != nil {
			return "", err
		}
		for _, s := range subs {
			it.items = append(it.items, &Subscription{c: c, name: s.GetName()})
		}
		return next, nil
	}
	it.pageInfo, it.nextFunc = iterator.NewPageInfo(
		fetch,
		func() int { return len(it.items) },
		func() interface{} { b := it.items; it.items = nil; return b })
	it.pageInfo.MaxSize = defaultPageSize
	return it
}

// SubscriptionIterator is an iterator that returns a series of subscriptions.
type SubscriptionIterator struct {
	items    []*Subscription
	pageInfo *iterator.PageInfo
	nextFunc func() error
}

// Next returns the next subscription. If there are no more subscriptions, iterator.Done will be returned.
func (subs *SubscriptionIterator) Next() (*Subscription, error) {
	if err := subs.nextFunc(); err != nil {
		return nil, err
	}
	s := subs.items[0]
	subs.items = subs.items[1:]
	return s, nil
}

// PageInfo supports pagination. See the google.golang.org/api/iterator package for details.
func (subs *SubscriptionIterator) PageInfo() *iterator.PageInfo { return subs.pageInfo }

// ID returns the unique identifier of the subscription within its project.
func (s *Subscription) ID() string {
	return lastSegment(s.name)
}

// String returns the globally unique printable name of the subscription.
func (s *Subscription) String() string {
	return s.name
}

// Delete deletes the subscription.
func (s *Subscription) Delete(ctx context.Context) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/pubsub.Subscription.Delete")
	defer func() { trace.EndSpan(ctx, err) }()

	if err := s.c.s.deleteSubscription(ctx, s.name); err != nil {
		return fmt.Errorf("pubsub: Subscription.Delete: %w", err)
	}
	return nil
}

// Exists reports whether the subscription exists on the server.
func (s *Subscription) Exists(ctx context.Context) (bool, error) {
	_, err := s.c.s.getSubscription(ctx, s.name)
	if err == nil {
		return true, nil
	}
	if cloud.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("pubsub: Subscription.Exists: %w", err)
}

// Config fetches the current configuration for the subscription.
func (s *Subscription) Config(ctx context.Context) (SubscriptionConfig, error) {
	ps, err := s.c.s.getSubscription(ctx, s.name)
	if err != nil {
		return SubscriptionConfig{}, fmt.Errorf("pubsub: Subscription.Config: %w", err)
	}
	return protoToSubscriptionConfig(s.c, ps), nil
}

// PullOptions configures a single Pull call.
type PullOptions struct {
	// MaxMessages is the largest number of messages returned. Zero means 1.
	MaxMessages int

	// ReturnImmediately asks the server to answer at once, even with no
	// messages, rather than wait for some to arrive.
	ReturnImmediately bool
}

// Pull makes a single pull request and returns the messages it delivered,
// which may be none.
func (s *Subscription) Pull(ctx context.Context, opts PullOptions) (_ []*Message, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/pubsub.Subscription.Pull")
	defer func() { trace.EndSpan(ctx, err) }()

	max := opts.MaxMessages
	if max <= 0 {
		max = 1
	}
	rms, err := s.c.s.fetchMessages(ctx, s.name, trunc32(int64(max)), opts.ReturnImmediately)
	if err != nil {
		return nil, fmt.Errorf("pubsub: Subscription.Pull: %w", err)
	}
	return convertMessages(rms, s, nil)
}

// ReceiveOptions configures Receive.
type ReceiveOptions struct {
	// ReturnImmediately makes Receive return (nil, nil) when no message is
	// available instead of waiting for one.
	ReturnImmediately bool
}

// Receive returns the next message delivered to the subscription. It pulls
// one message at a time and, unless opts.ReturnImmediately is set, keeps
// pulling until a message arrives or ctx is done.
//
// The message must be acknowledged with Ack, or it will be redelivered once
// its ack deadline passes.
func (s *Subscription) Receive(ctx context.Context, opts ReceiveOptions) (*Message, error) {
	for {
		msgs, err := s.Pull(ctx, PullOptions{MaxMessages: 1, ReturnImmediately: opts.ReturnImmediately})
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs[0], nil
		}
		if opts.ReturnImmediately {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
