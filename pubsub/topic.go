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

// Topic is a reference to a PubSub topic.
//
// The methods of Topic are safe for use by multiple goroutines.
type Topic struct {
	c *Client

	// The fully qualified identifier for the topic, in the format "projects/<projid>/topics/<name>"
	name string
}

// TopicConfig describes the configuration of a topic.
type TopicConfig struct {
	// Labels are key/value pairs attached to the topic.
	Labels map[string]string

	// MessageRetentionDuration is the minimum duration to retain a message
	// after it is published to the topic. Zero leaves it unset.
	MessageRetentionDuration time.Duration

	// KMSKeyName is the name of the Cloud KMS key used to protect access to
	// messages published on this topic.
	KMSKeyName string

	name string
}

// ID returns the unique identifier of the topic within its project.
func (cfg TopicConfig) ID() string {
	return lastSegment(cfg.name)
}

func (cfg *TopicConfig) toProto(name string) *pb.Topic {
	t := &pb.Topic{
		Name:       name,
		Labels:     cfg.Labels,
		KmsKeyName: cfg.KMSKeyName,
	}
	if cfg.MessageRetentionDuration > 0 {
		t.MessageRetentionDuration = durationpb.New(cfg.MessageRetentionDuration)
	}
	return t
}

func protoToTopicConfig(pbt *pb.Topic) TopicConfig {
	cfg := TopicConfig{
		name:       pbt.GetName(),
		Labels:     pbt.GetLabels(),
		KMSKeyName: pbt.GetKmsKeyName(),
	}
	if d := pbt.GetMessageRetentionDuration(); d != nil {
		cfg.MessageRetentionDuration = d.AsDuration()
	}
	return cfg
}

// CreateTopic creates a new topic.
//
// The specified topic ID must start with a letter, and contain only letters
// ([A-Za-z]), numbers ([0-9]), dashes (-), underscores (_), periods (.),
// tildes (~), plus (+) or percent signs (%). It must be between 3 and 255
// characters in length, and must not start with "goog". For more information,
// see: https://cloud.google.com/pubsub/docs/admin#resource_names
//
// cfg may be nil. If the topic already exists, an error is returned.
func (c *Client) CreateTopic(ctx context.Context, topicID string, cfg *TopicConfig) (_ *Topic, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/pubsub.Client.CreateTopic")
	defer func() { trace.EndSpan(ctx, err) }()

	if cfg == nil {
		cfg = &TopicConfig{}
	}
	t := c.Topic(topicID)
	if _, err := c.s.createTopic(ctx, cfg.toProto(t.name)); err != nil {
		return nil, fmt.Errorf("pubsub: CreateTopic: %w", err)
	}
	return t, nil
}

// Topic creates a reference to a topic in the client's project. No RPC is
// made; the topic need not exist.
func (c *Client) Topic(id string) *Topic {
	return &Topic{c: c, name: c.topicName(id)}
}

// Publish publishes msg to the topic with the given ID and returns the
// server-assigned message ID. It is equivalent to c.Topic(topicID).Publish.
func (c *Client) Publish(ctx context.Context, topicID string, msg *Message) (string, error) {
	return c.Topic(topicID).Publish(ctx, msg)
}

// DeleteTopic deletes the topic with the given ID. It is equivalent to
// c.Topic(topicID).Delete.
func (c *Client) DeleteTopic(ctx context.Context, topicID string) error {
	return c.Topic(topicID).Delete(ctx)
}

// Topics returns an iterator which returns all of the topics for the client's project.
func (c *Client) Topics(ctx context.Context) *TopicIterator {
	it := &TopicIterator{}
	fetch := func(pageSize int, pageToken string) (string, error) {
		topics, next, err := c.s.listProjectTopics(ctx, c.fullyQualifiedProjectName(), pageSize, pageToken)
		if err != nil {
			return "", err
		}
		for _, t := range topics {
			it.items = append(it.items, &Topic{c: c, name: t.GetName()})
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

// TopicIterator is an iterator that returns a series of topics.
type TopicIterator struct {
	items    []*Topic
	pageInfo *iterator.PageInfo
	nextFunc func() error
}

// Next returns the next topic. If there are no more topics, iterator.Done will be returned.
func (tps *TopicIterator) Next() (*Topic, error) {
	if err := tps.nextFunc(); err != nil {
		return nil, err
	}
	t := tps.items[0]
	tps.items = tps.items[1:]
	return t, nil
}

// PageInfo supports pagination. See the google.golang.org/api/iterator package for details.
func (tps *TopicIterator) PageInfo() *iterator.PageInfo { return tps.pageInfo }

// ID returns the unique identifier of the topic within its project.
func (t *Topic) ID() string {
	return lastSegment(t.name)
}

// String returns the printable globally unique name for the topic.
func (t *Topic) String() string {
	return t.name
}

// Delete deletes the topic.
func (t *Topic) Delete(ctx context.Context) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/pubsub.Topic.Delete")
	defer func() { trace.EndSpan(ctx, err) }()

	if err := t.c.s.deleteTopic(ctx, t.name); err != nil {
		return fmt.Errorf("pubsub: Topic.Delete: %w", err)
	}
	return nil
}

// Exists reports whether the topic exists on the server.
func (t *Topic) Exists(ctx context.Context) (bool, error) {
	if t.name == deletedTopicName {
		return false, nil
	}
	_, err := t.c.s.getTopic(ctx, t.name)
	if err == nil {
		return true, nil
	}
	if cloud.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("pubsub: Topic.Exists: %w", err)
}

// Config returns the TopicConfig for the topic.
func (t *Topic) Config(ctx context.Context) (TopicConfig, error) {
	pbt, err := t.c.s.getTopic(ctx, t.name)
	if err != nil {
		return TopicConfig{}, fmt.Errorf("pubsub: Topic.Config: %w", err)
	}
	return protoToTopicConfig(pbt), nil
}

// Subscriptions returns an iterator which returns the subscriptions for this topic.
//
// Some of the returned subscriptions may belong to a project other than t.
func (t *Topic) Subscriptions(ctx context.Context) *SubscriptionIterator {
	it := &SubscriptionIterator{}
	fetch := func(pageSize int, pageToken string) (string, error) {
		names, next, err := t.c.s.listTopicSubscriptions(ctx, t.name, pageSize, pageToken)
		if err != nil {
			return "", err
		}
		for _, n := range names {
			it.items = append(it.items, &Subscription{c: t.c, name: n})
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

var errEmptyMessage = errors.New("pubsub: message has neither data nor attributes")

// Publish publishes msg to the topic and returns the server-assigned ID of
// the message.
func (t *Topic) Publish(ctx context.Context, msg *Message) (string, error) {
	ids, err := t.PublishBatch(ctx, []*Message{msg})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// PublishBatch publishes msgs to the topic in a single call and returns
// their server-assigned IDs, in order.
func (t *Topic) PublishBatch(ctx context.Context, msgs []*Message) (_ []string, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/pubsub.Topic.Publish")
	defer func() { trace.EndSpan(ctx, err) }()

	if len(msgs) == 0 {
		return nil, nil
	}
	rawMsgs := make([]*pb.PubsubMessage, len(msgs))
	for i, m := range msgs {
		if len(m.Data) == 0 && len(m.Attributes) == 0 {
			return nil, errEmptyMessage
		}
		rawMsgs[i] = &pb.PubsubMessage{
			Data:        m.Data,
			Attributes:  m.Attributes,
			OrderingKey: m.OrderingKey,
		}
	}
	trace.TracePrintf(ctx, map[string]interface{}{"num_messages": len(msgs)}, "publishing %d messages", len(msgs))
	ids, err := t.c.s.publishMessages(ctx, t.name, rawMsgs)
	if err != nil {
		return nil, fmt.Errorf("pubsub: Topic.Publish: %w", err)
	}
	if len(ids) != len(msgs) {
		return nil, &cloud.DecodeError{
			What: "publish response",
			Err:  fmt.Errorf("got %d message IDs for %d messages", len(ids), len(msgs)),
		}
	}
	return ids, nil
}
