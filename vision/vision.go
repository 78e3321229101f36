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

package vision

import (
	"context"
	"errors"
	"fmt"

	pb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal"
	"github.com/gcpbind/cloud/internal/trace"
	"github.com/gcpbind/cloud/internal/transport"
	"github.com/gcpbind/cloud/option"
	"google.golang.org/grpc/status"
)

const (
	// Scope is the OAuth2 scope required by the Google Cloud Vision API.
	Scope = "https://www.googleapis.com/auth/cloud-vision"

	// ScopeCloudPlatform grants permissions to view and manage your data
	// across Google Cloud Platform services.
	ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"

	defaultEndpoint = "vision.googleapis.com:443"

	// stableModel pins text detection to the stable model.
	stableModel = "builtin/stable"

	defaultMaxFaces = 10
)

// Client is a Google Cloud Vision API client.
type Client struct {
	conn   *transport.GRPCConn
	client pb.ImageAnnotatorClient
}

// NewClient creates a new vision client. It fails with a
// *cloud.ConnectionError if the service cannot be reached.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	ds, err := transport.NewSettings(internal.DialSettings{
		DefaultEndpoint: defaultEndpoint,
		DefaultScopes:   []string{ScopeCloudPlatform, Scope},
	}, "", opts)
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}
	conn, err := transport.DialGRPC(ctx, "vision", ds)
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}
	return &Client{
		conn:   conn,
		client: pb.NewImageAnnotatorClient(conn.Conn()),
	}, nil
}

// Close closes the client.
func (c *Client) Close() error {
	return c.conn.Close()
}

// TextDetectionConfig configures text detection.
type TextDetectionConfig struct {
	// LanguageHints lists BCP-47 language codes expected in the image.
	// Language detection is automatic if none are given.
	LanguageHints []string
}

// FaceDetectionConfig configures face detection.
type FaceDetectionConfig struct {
	// MaxResults is the maximum number of faces to return. Zero means 10.
	MaxResults int32
}

// DetectText performs text detection on the image. The first annotation, if
// any, covers the whole text found in the image and the following ones each
// cover a single word. A nil config uses the defaults.
func (c *Client) DetectText(ctx context.Context, img *Image, cfg *TextDetectionConfig) (_ []*TextAnnotation, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/vision.Client.DetectText")
	defer func() { trace.EndSpan(ctx, err) }()

	req := &pb.AnnotateImageRequest{
		Image: img.toProto(),
		Features: []*pb.Feature{{
			Type:  pb.Feature_TEXT_DETECTION,
			Model: stableModel,
		}},
	}
	if cfg != nil && len(cfg.LanguageHints) > 0 {
		req.ImageContext = &pb.ImageContext{LanguageHints: cfg.LanguageHints}
	}
	res, err := c.annotateOne(ctx, req)
	if err != nil {
		return nil, err
	}
	var anns []*TextAnnotation
	for _, e := range res.GetTextAnnotations() {
		a, err := textAnnotationFromProto(e)
		if err != nil {
			return nil, err
		}
		anns = append(anns, a)
	}
	return anns, nil
}

// DetectFaces performs face detection on the image. A nil config uses the
// defaults.
func (c *Client) DetectFaces(ctx context.Context, img *Image, cfg *FaceDetectionConfig) (_ []*FaceAnnotation, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/vision.Client.DetectFaces")
	defer func() { trace.EndSpan(ctx, err) }()

	maxFaces := int32(defaultMaxFaces)
	if cfg != nil && cfg.MaxResults > 0 {
		maxFaces = cfg.MaxResults
	}
	res, err := c.annotateOne(ctx, &pb.AnnotateImageRequest{
		Image:    img.toProto(),
		Features: []*pb.Feature{{Type: pb.Feature_FACE_DETECTION, MaxResults: maxFaces}},
	})
	if err != nil {
		return nil, err
	}
	var anns []*FaceAnnotation
	for _, f := range res.GetFaceAnnotations() {
		a, err := faceAnnotationFromProto(f)
		if err != nil {
			return nil, err
		}
		anns = append(anns, a)
	}
	return anns, nil
}

// annotateOne sends a batch holding the single request req. An error the
// service reports for the image is returned as a *cloud.ServiceError.
func (c *Client) annotateOne(ctx context.Context, req *pb.AnnotateImageRequest) (*pb.AnnotateImageResponse, error) {
	if req.Image == nil {
		return nil, errors.New("vision: nil Image")
	}
	var res *pb.BatchAnnotateImagesResponse
	err := c.conn.Invoke(ctx, "BatchAnnotateImages", func(ctx context.Context) (err error) {
		res, err = c.client.BatchAnnotateImages(ctx, &pb.BatchAnnotateImagesRequest{
			Requests: []*pb.AnnotateImageRequest{req},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(res.GetResponses()) != 1 {
		return nil, &cloud.DecodeError{
			What: "BatchAnnotateImagesResponse",
			Err:  fmt.Errorf("got %d responses for 1 image", len(res.GetResponses())),
		}
	}
	r := res.GetResponses()[0]
	if e := r.GetError(); e != nil && e.GetCode() != 0 {
		s := status.FromProto(e)
		return nil, &cloud.ServiceError{Code: s.Code(), Message: s.Message(), Err: s.Err()}
	}
	return r, nil
}
