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
	"math"

	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/transport"
	"google.golang.org/grpc"
)

// service provides an internal abstraction to isolate the generated
// PubSub API; most of this package uses this interface instead.
// The single implementation, *apiService, contains all the knowledge
// of the generated PubSub API.
type service interface {
	createTopic(ctx context.Context, t *pb.Topic) (*pb.Topic, error)
	getTopic(ctx context.Context, name string) (*pb.Topic, error)
	deleteTopic(ctx context.Context, name string) error
	listProjectTopics(ctx context.Context, projName string, pageSize int, pageToken string) ([]*pb.Topic, string, error)
	listTopicSubscriptions(ctx context.Context, topicName string, pageSize int, pageToken string) ([]string, string, error)
	publishMessages(ctx context.Context, topicName string, msgs []*pb.PubsubMessage) ([]string, error)

	createSubscription(ctx context.Context, s *pb.Subscription) (*pb.Subscription, error)
	getSubscription(ctx context.Context, name string) (*pb.Subscription, error)
	deleteSubscription(ctx context.Context, name string) error
	listProjectSubscriptions(ctx context.Context, projName string, pageSize int, pageToken string) ([]*pb.Subscription, string, error)
	fetchMessages(ctx context.Context, subName string, maxMessages int32, returnImmediately bool) ([]*pb.ReceivedMessage, error)
	acknowledge(ctx context.Context, subName string, ackIDs []string) error
	modifyAckDeadline(ctx context.Context, subName string, ackIDs []string, deadlineSecs int32) error

	// streamingPull opens a stream on subName with credentials attached.
	streamingPull(ctx context.Context, subName string) (pb.Subscriber_StreamingPullClient, error)
	invalidateToken()

	close() error
}

// maxSendRecvBytes is the largest message the client sends or accepts.
const maxSendRecvBytes = 20 * 1024 * 1024 // 20M

type apiService struct {
	conn *transport.GRPCConn
	pubc pb.PublisherClient
	subc pb.SubscriberClient
}

func newPubSubService(ctx context.Context, ds *internal.DialSettings) (*apiService, error) {
	conn, err := transport.DialGRPC(ctx, "pubsub", ds)
	if err != nil {
		return nil, err
	}
	return &apiService{
		conn: conn,
		pubc: pb.NewPublisherClient(conn.Conn()),
		subc: pb.NewSubscriberClient(conn.Conn()),
	}, nil
}

func (s *apiService) close() error { return s.conn.Close() }

func (s *apiService) invalidateToken() { s.conn.InvalidateToken() }

func (s *apiService) createTopic(ctx context.Context, t *pb.Topic) (*pb.Topic, error) {
	ctx = transport.WithRequestParams(ctx, "name", t.GetName())
	var res *pb.Topic
	err := s.conn.Invoke(ctx, "CreateTopic", func(ctx context.Context) (err error) {
		res, err = s.pubc.CreateTopic(ctx, t)
		return err
	})
	return res, err
}

func (s *apiService) getTopic(ctx context.Context, name string) (*pb.Topic, error) {
	ctx = transport.WithRequestParams(ctx, "topic", name)
	var res *pb.Topic
	err := s.conn.Invoke(ctx, "GetTopic", func(ctx context.Context) (err error) {
		res, err = s.pubc.GetTopic(ctx, &pb.GetTopicRequest{Topic: name})
		return err
	})
	return res, err
}

func (s *apiService) deleteTopic(ctx context.Context, name string) error {
	ctx = transport.WithRequestParams(ctx, "topic", name)
	return s.conn.Invoke(ctx, "DeleteTopic", func(ctx context.Context) error {
		_, err := s.pubc.DeleteTopic(ctx, &pb.DeleteTopicRequest{Topic: name})
		return err
	})
}

func (s *apiService) listProjectTopics(ctx context.Context, projName string, pageSize int, pageToken string) ([]*pb.Topic, string, error) {
	ctx = transport.WithRequestParams(ctx, "project", projName)
	var res *pb.ListTopicsResponse
	err := s.conn.Invoke(ctx, "ListTopics", func(ctx context.Context) (err error) {
		res, err = s.pubc.ListTopics(ctx, &pb.ListTopicsRequest{
			Project:   projName,
			PageSize:  trunc32(int64(pageSize)),
			PageToken: pageToken,
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return res.GetTopics(), res.GetNextPageToken(), nil
}

func (s *apiService) listTopicSubscriptions(ctx context.Context, topicName string, pageSize int, pageToken string) ([]string, string, error) {
	ctx = transport.WithRequestParams(ctx, "topic", topicName)
	var res *pb.ListTopicSubscriptionsResponse
	err := s.conn.Invoke(ctx, "ListTopicSubscriptions", func(ctx context.Context) (err error) {
		res, err = s.pubc.ListTopicSubscriptions(ctx, &pb.ListTopicSubscriptionsRequest{
			Topic:     topicName,
			PageSize:  trunc32(int64(pageSize)),
			PageToken: pageToken,
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return res.GetSubscriptions(), res.GetNextPageToken(), nil
}

func (s *apiService) publishMessages(ctx context.Context, topicName string, msgs []*pb.PubsubMessage) ([]string, error) {
	ctx = transport.WithRequestParams(ctx, "topic", topicName)
	var res *pb.PublishResponse
	err := s.conn.Invoke(ctx, "Publish", func(ctx context.Context) (err error) {
		res, err = s.pubc.Publish(ctx, &pb.PublishRequest{
			Topic:    topicName,
			Messages: msgs,
		}, grpc.MaxCallSendMsgSize(maxSendRecvBytes))
		return err
	})
	if err != nil {
		return nil, err
	}
	return res.GetMessageIds(), nil
}

func (s *apiService) createSubscription(ctx context.Context, sub *pb.Subscription) (*pb.Subscription, error) {
	ctx = transport.WithRequestParams(ctx, "name", sub.GetName())
	var res *pb.Subscription
	err := s.conn.Invoke(ctx, "CreateSubscription", func(ctx context.Context) (err error) {
		res, err = s.subc.CreateSubscription(ctx, sub)
		return err
	})
	return res, err
}

func (s *apiService) getSubscription(ctx context.Context, name string) (*pb.Subscription, error) {
	ctx = transport.WithRequestParams(ctx, "subscription", name)
	var res *pb.Subscription
	err := s.conn.Invoke(ctx, "GetSubscription", func(ctx context.Context) (err error) {
		res, err = s.subc.GetSubscription(ctx, &pb.GetSubscriptionRequest{Subscription: name})
		return err
	})
	return res, err
}

func (s *apiService) deleteSubscription(ctx context.Context, name string) error {
	ctx = transport.WithRequestParams(ctx, "subscription", name)
	return s.conn.Invoke(ctx, "DeleteSubscription", func(ctx context.Context) error {
		_, err := s.subc.DeleteSubscription(ctx, &pb.DeleteSubscriptionRequest{Subscription: name})
		return err
	})
}

func (s *apiService) listProjectSubscriptions(ctx context.Context, projName string, pageSize int, pageToken string) ([]*pb.Subscription, string, error) {
	ctx = transport.WithRequestParams(ctx, "project", projName)
	var res *pb.ListSubscriptionsResponse
	err := s.conn.Invoke(ctx, "ListSubscriptions", func(ctx context.Context) (err error) {
		res, err = s.subc.ListSubscriptions(ctx, &pb.ListSubscriptionsRequest{
			Project:   projName,
			PageSize:  trunc32(int64(pageSize)),
			PageToken: pageToken,
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return res.GetSubscriptions(), res.GetNextPageToken(), nil
}

func (s *apiService) fetchMessages(ctx context.Context, subName string, maxMessages int32, returnImmediately bool) ([]*pb.ReceivedMessage, error) {
	ctx = transport.WithRequestParams(ctx, "subscription", subName)
	var res *pb.PullResponse
	err := s.conn.Invoke(ctx, "Pull", func(ctx context.Context) (err error) {
		res, err = s.subc.Pull(ctx, &pb.PullRequest{
			Subscription:      subName,
			ReturnImmediately: returnImmediately,
			MaxMessages:       maxMessages,
		}, grpc.MaxCallRecvMsgSize(maxSendRecvBytes))
		return err
	})
	if err != nil {
		return nil, err
	}
	return res.GetReceivedMessages(), nil
}

func (s *apiService) acknowledge(ctx context.Context, subName string, ackIDs []string) error {
	ctx = transport.WithRequestParams(ctx, "subscription", subName)
	return s.conn.Invoke(ctx, "Acknowledge", func(ctx context.Context) error {
		_, err := s.subc.Acknowledge(ctx, &pb.AcknowledgeRequest{
			Subscription: subName,
			AckIds:       ackIDs,
		})
		return err
	})
}

func (s *apiService) modifyAckDeadline(ctx context.Context, subName string, ackIDs []string, deadlineSecs int32) error {
	ctx = transport.WithRequestParams(ctx, "subscription", subName)
	return s.conn.Invoke(ctx, "ModifyAckDeadline", func(ctx context.Context) error {
		_, err := s.subc.ModifyAckDeadline(ctx, &pb.ModifyAckDeadlineRequest{
			Subscription:       subName,
			AckIds:             ackIDs,
			AckDeadlineSeconds: deadlineSecs,
		})
		return err
	})
}

func (s *apiService) streamingPull(ctx context.Context, subName string) (pb.Subscriber_StreamingPullClient, error) {
	ctx = transport.WithRequestParams(ctx, "subscription", subName)
	ctx, err := s.conn.Outgoing(ctx)
	if err != nil {
		return nil, err
	}
	spc, err := s.subc.StreamingPull(ctx, grpc.MaxCallRecvMsgSize(maxSendRecvBytes))
	if err != nil {
		return nil, internal.ToError(err)
	}
	return spc, nil
}

func trunc32(i int64) int32 {
	if i > math.MaxInt32 {
		i = math.MaxInt32
	}
	return int32(i)
}
