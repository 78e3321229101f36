// Copyright 2014 Google LLC
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

/*
Package pubsub provides an easy way to publish and receive Google Cloud Pub/Sub
messages, hiding the details of the underlying server RPCs.

Publishing a message:

	client, err := pubsub.NewClient(ctx, "project-id")
	if err != nil {
		// TODO: Handle error.
	}
	topic := client.Topic("topic-name")
	id, err := topic.Publish(ctx, &pubsub.Message{Data: []byte("payload")})

Receiving messages one at a time:

	sub := client.Subscription("sub-name")
	msg, err := sub.Receive(ctx, pubsub.ReceiveOptions{})
	if err != nil {
		// TODO: Handle error.
	}
	// Process msg, then:
	msg.Ack(ctx)

Receiving over a stream:

	stream, err := sub.Stream(ctx, pubsub.StreamingOptions{})
	if err != nil {
		// TODO: Handle error.
	}
	defer stream.Stop()
	for {
		msg, err := stream.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			// TODO: Handle error.
		}
		msg.Ack(ctx)
	}

To use an emulator, set the PUBSUB_EMULATOR_HOST environment variable to its
address.
*/
package pubsub // import "github.com/gcpbind/cloud/pubsub"

import (
	"context"
	"fmt"
	"strings"

	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/detect"
	"github.com/gcpbind/cloud/internal/transport"
	"github.com/gcpbind/cloud/option"
)

const (
	// ScopePubSub grants permissions to view and manage Pub/Sub
	// topics and subscriptions.
	ScopePubSub = "https://www.googleapis.com/auth/pubsub"

	// ScopeCloudPlatform grants permissions to view and manage your data
	// across Google Cloud Platform services.
	ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"

	defaultEndpoint = "pubsub.googleapis.com:443"
	emulatorEnv     = "PUBSUB_EMULATOR_HOST"

	// defaultPageSize is the number of topics or subscriptions requested per
	// page when listing.
	defaultPageSize = 25
)

// Client is a Google Pub/Sub client scoped to a single project.
//
// Clients should be reused rather than being created as needed.
// A Client may be shared by multiple goroutines.
type Client struct {
	projectID string
	s         service
}

// NewClient creates a new PubSub client. It fails with a
// *cloud.ConnectionError if the service cannot be reached, and with a
// *cloud.AuthError if no credentials can be found.
//
// projectID may be cloud.DetectProjectID to detect the project from the
// environment.
func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	ds, err := transport.NewSettings(internal.DialSettings{
		DefaultEndpoint: defaultEndpoint,
		DefaultScopes:   []string{ScopePubSub, ScopeCloudPlatform},
	}, emulatorEnv, opts)
	if err != nil {
		return nil, fmt.Errorf("pubsub: %w", err)
	}
	projectID, err = detect.ProjectID(ctx, projectID, emulatorEnv, ds)
	if err != nil {
		return nil, fmt.Errorf("pubsub: %w", err)
	}
	s, err := newPubSubService(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("pubsub: %w", err)
	}
	return &Client{projectID: projectID, s: s}, nil
}

// Close releases any resources held by the client. If the client was
// created with option.WithGRPCConn, the connection is left open.
//
// Close need not be called at program exit.
func (c *Client) Close() error {
	return c.s.close()
}

// Project returns the project ID of the client.
func (c *Client) Project() string {
	return c.projectID
}

func (c *Client) fullyQualifiedProjectName() string {
	return fmt.Sprintf("projects/%s", c.projectID)
}

func (c *Client) topicName(id string) string {
	return fmt.Sprintf("projects/%s/topics/%s", c.projectID, id)
}

func (c *Client) subscriptionName(id string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", c.projectID, id)
}

// lastSegment returns the identifier at the end of a fully qualified
// resource name.
func lastSegment(name string) string {
	return name[strings.LastIndex(name, "/")+1:]
}
