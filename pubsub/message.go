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
)

// Message represents a Pub/Sub message.
type Message struct {
	// ID identifies this message. This ID is assigned by the server and is
	// populated for Messages obtained from a subscription.
	//
	// This field is read-only.
	ID string

	// Data is the actual data in the message.
	Data []byte

	// Attributes represents the key-value pairs the current message is
	// labelled with.
	Attributes map[string]string

	// OrderingKey identifies related messages for which publish order should
	// be respected.
	OrderingKey string

	// PublishTime is the time at which the message was published. This is
	// populated by the server for Messages obtained from a subscription.
	//
	// This field is read-only.
	PublishTime time.Time

	// DeliveryAttempt is the number of times a message has been delivered.
	// It is populated only when the subscription has a dead letter policy;
	// otherwise it is nil.
	//
	// This field is read-only.
	DeliveryAttempt *int

	// ackID is the identifier to acknowledge this message.
	ackID string

	sub    *Subscription
	stream *MessageStream
}

var errNotReceived = errors.New("pubsub: message was not received from a subscription")

// Ack indicates successful processing of a Message.
// If the message was received from a stream, the acknowledgement is sent
// on the stream. Otherwise an Acknowledge call is made.
func (m *Message) Ack(ctx context.Context) error {
	if m.sub == nil {
		return errNotReceived
	}
	if m.stream != nil {
		return m.stream.ack(m.ackID)
	}
	if err := m.sub.c.s.acknowledge(ctx, m.sub.name, []string{m.ackID}); err != nil {
		return fmt.Errorf("pubsub: Message.Ack: %w", err)
	}
	return nil
}

// Nack indicates that the client will not or cannot process a Message. The
// message becomes eligible for redelivery at once.
func (m *Message) Nack(ctx context.Context) error {
	if m.sub == nil {
		return errNotReceived
	}
	if m.stream != nil {
		return m.stream.nack(m.ackID)
	}
	if err := m.sub.c.s.modifyAckDeadline(ctx, m.sub.name, []string{m.ackID}, 0); err != nil {
		return fmt.Errorf("pubsub: Message.Nack: %w", err)
	}
	return nil
}

func toMessage(resp *pb.ReceivedMessage) (*Message, error) {
	msg := resp.GetMessage()
	if msg == nil {
		return nil, errors.New("received message has no payload")
	}
	var pubTime time.Time
	if msg.GetPublishTime() != nil {
		if err := msg.GetPublishTime().CheckValid(); err != nil {
			return nil, err
		}
		pubTime = msg.GetPublishTime().AsTime()
	}
	var deliveryAttempt *int
	if resp.GetDeliveryAttempt() > 0 {
		da := int(resp.GetDeliveryAttempt())
		deliveryAttempt = &da
	}
	return &Message{
		ackID:           resp.GetAckId(),
		Data:            msg.GetData(),
		Attributes:      msg.GetAttributes(),
		ID:              msg.GetMessageId(),
		OrderingKey:     msg.GetOrderingKey(),
		PublishTime:     pubTime,
		DeliveryAttempt: deliveryAttempt,
	}, nil
}

func convertMessages(rms []*pb.ReceivedMessage, sub *Subscription, stream *MessageStream) ([]*Message, error) {
	msgs := make([]*Message, 0, len(rms))
	for i, m := range rms {
		msg, err := toMessage(m)
		if err != nil {
			return nil, &cloud.DecodeError{
				What: "pubsub message",
				Err:  fmt.Errorf("message at index %d: %w", i, err),
			}
		}
		msg.sub = sub
		msg.stream = stream
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
