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
	"strings"
	"sync"
	"testing"

	pb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal/testutil"
	"github.com/gcpbind/cloud/option"
	"google.golang.org/genproto/googleapis/rpc/code"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

type mockImageAnnotatorServer struct {
	pb.UnimplementedImageAnnotatorServer

	mu   sync.Mutex
	reqs []*pb.BatchAnnotateImagesRequest

	// If set, all calls return this error.
	err error

	// response to return if err == nil
	resp *pb.BatchAnnotateImagesResponse
}

func (s *mockImageAnnotatorServer) BatchAnnotateImages(_ context.Context, req *pb.BatchAnnotateImagesRequest) (*pb.BatchAnnotateImagesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

// respond sets the outcome of the following calls.
func (s *mockImageAnnotatorServer) respond(resp *pb.BatchAnnotateImagesResponse, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resp, s.err = resp, err
}

func (s *mockImageAnnotatorServer) requests() []*pb.BatchAnnotateImagesRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pb.BatchAnnotateImagesRequest(nil), s.reqs...)
}

func newMock(t *testing.T, sopts ...grpc.ServerOption) (*mockImageAnnotatorServer, string) {
	t.Helper()
	srv, err := testutil.NewServer(sopts...)
	if err != nil {
		t.Fatal(err)
	}
	mock := &mockImageAnnotatorServer{}
	pb.RegisterImageAnnotatorServer(srv.Gsrv, mock)
	srv.Start()
	t.Cleanup(srv.Close)
	return mock, srv.Addr
}

func newTestClient(t *testing.T, addr string, opts ...option.ClientOption) *Client {
	t.Helper()
	opts = append([]option.ClientOption{
		option.WithEndpoint(addr),
		option.WithInsecure(),
	}, opts...)
	c, err := NewClient(context.Background(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func poly(xys ...int32) *pb.BoundingPoly {
	p := &pb.BoundingPoly{}
	for i := 0; i+1 < len(xys); i += 2 {
		p.Vertices = append(p.Vertices, &pb.Vertex{X: xys[i], Y: xys[i+1]})
	}
	return p
}

func single(r *pb.AnnotateImageResponse) *pb.BatchAnnotateImagesResponse {
	return &pb.BatchAnnotateImagesResponse{Responses: []*pb.AnnotateImageResponse{r}}
}

func TestDetectText(t *testing.T) {
	mock, addr := newMock(t)
	c := newTestClient(t, addr, option.WithoutAuthentication())
	mock.respond(single(&pb.AnnotateImageResponse{
		TextAnnotations: []*pb.EntityAnnotation{
			{Description: "Hello world", Locale: "en", BoundingPoly: poly(10, 20, 110, 20, 110, 60, 10, 60)},
			{Description: "Hello", BoundingPoly: poly(10, 20, 50, 20, 50, 60, 10, 60)},
		},
	}), nil)

	img := NewImageFromBytes([]byte("png bytes"))
	got, err := c.DetectText(context.Background(), img, &TextDetectionConfig{LanguageHints: []string{"en"}})
	if err != nil {
		t.Fatal(err)
	}
	want := []*TextAnnotation{
		{Description: "Hello world", Locale: "en", BoundingBox: BoundingBox{X: 10, Y: 20, W: 100, H: 40}},
		{Description: "Hello", BoundingBox: BoundingBox{X: 10, Y: 20, W: 40, H: 40}},
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Errorf("annotations (-got +want):\n%s", diff)
	}

	wantReq := &pb.BatchAnnotateImagesRequest{
		Requests: []*pb.AnnotateImageRequest{{
			Image:        &pb.Image{Content: []byte("png bytes")},
			Features:     []*pb.Feature{{Type: pb.Feature_TEXT_DETECTION, Model: stableModel}},
			ImageContext: &pb.ImageContext{LanguageHints: []string{"en"}},
		}},
	}
	reqs := mock.requests()
	if len(reqs) != 1 || !proto.Equal(reqs[0], wantReq) {
		t.Errorf("requests: got %v, want [%v]", reqs, wantReq)
	}
}

func TestDetectTextNoText(t *testing.T) {
	mock, addr := newMock(t)
	c := newTestClient(t, addr, option.WithoutAuthentication())
	mock.respond(single(&pb.AnnotateImageResponse{}), nil)

	got, err := c.DetectText(context.Background(), NewImageFromURI("gs://b/o.png"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d annotations, want none", len(got))
	}
	req := mock.requests()[0].GetRequests()[0]
	if req.GetImageContext() != nil {
		t.Errorf("image context sent without hints: %v", req.GetImageContext())
	}
	if uri := req.GetImage().GetSource().GetImageUri(); uri != "gs://b/o.png" {
		t.Errorf("image URI: got %q", uri)
	}
}

func TestDetectFaces(t *testing.T) {
	mock, addr := newMock(t)
	c := newTestClient(t, addr, option.WithoutAuthentication())
	mock.respond(single(&pb.AnnotateImageResponse{
		FaceAnnotations: []*pb.FaceAnnotation{{
			BoundingPoly:           poly(5, 5, 45, 5, 45, 65, 5, 65),
			DetectionConfidence:    0.9,
			JoyLikelihood:          pb.Likelihood_VERY_LIKELY,
			SorrowLikelihood:       pb.Likelihood_VERY_UNLIKELY,
			AngerLikelihood:        pb.Likelihood_UNLIKELY,
			SurpriseLikelihood:     pb.Likelihood_POSSIBLE,
			UnderExposedLikelihood: pb.Likelihood_LIKELY,
			BlurredLikelihood:      pb.Likelihood_UNKNOWN,
			HeadwearLikelihood:     pb.Likelihood_VERY_UNLIKELY,
		}},
	}), nil)

	ctx := context.Background()
	got, err := c.DetectFaces(ctx, NewImageFromBytes([]byte("jpeg")), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []*FaceAnnotation{{
		BoundingBox:         BoundingBox{X: 5, Y: 5, W: 40, H: 60},
		DetectionConfidence: 0.9,
		Joy:                 VeryLikely,
		Sorrow:              VeryUnlikely,
		Anger:               Unlikely,
		Surprise:            Possible,
		UnderExposed:        Likely,
		Blurred:             LikelihoodUnknown,
		Headwear:            VeryUnlikely,
	}}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Errorf("annotations (-got +want):\n%s", diff)
	}

	if _, err := c.DetectFaces(ctx, NewImageFromBytes([]byte("jpeg")), &FaceDetectionConfig{MaxResults: 3}); err != nil {
		t.Fatal(err)
	}
	reqs := mock.requests()
	for i, wantMax := range []int32{defaultMaxFaces, 3} {
		f := reqs[i].GetRequests()[0].GetFeatures()[0]
		if f.GetType() != pb.Feature_FACE_DETECTION || f.GetMaxResults() != wantMax {
			t.Errorf("request %d: got feature %v, want max %d", i, f, wantMax)
		}
	}
}

func TestPerImageError(t *testing.T) {
	mock, addr := newMock(t)
	c := newTestClient(t, addr, option.WithoutAuthentication())
	mock.respond(single(&pb.AnnotateImageResponse{
		Error: &statuspb.Status{Code: int32(code.Code_INVALID_ARGUMENT), Message: "Bad image data."},
	}), nil)

	_, err := c.DetectFaces(context.Background(), NewImageFromBytes([]byte("ceci n'est pas une image")), nil)
	var se *cloud.ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want *cloud.ServiceError", err)
	}
	if se.Code != codes.InvalidArgument || se.Message != "Bad image data." {
		t.Errorf("got code %v message %q", se.Code, se.Message)
	}
}

func TestRPCError(t *testing.T) {
	mock, addr := newMock(t)
	c := newTestClient(t, addr, option.WithoutAuthentication())
	mock.respond(nil, status.Error(codes.PermissionDenied, "Cloud Vision API has not been used in project"))

	_, err := c.DetectText(context.Background(), NewImageFromBytes([]byte("x")), nil)
	if cloud.Code(err) != codes.PermissionDenied {
		t.Errorf("got %v, want PermissionDenied", err)
	}
}

func TestMalformedResponse(t *testing.T) {
	mock, addr := newMock(t)
	c := newTestClient(t, addr, option.WithoutAuthentication())
	ctx := context.Background()
	img := NewImageFromBytes([]byte("x"))
	var de *cloud.DecodeError

	mock.respond(&pb.BatchAnnotateImagesResponse{}, nil)
	if _, err := c.DetectText(ctx, img, nil); !errors.As(err, &de) {
		t.Errorf("no responses: got %v, want *cloud.DecodeError", err)
	}

	mock.respond(single(&pb.AnnotateImageResponse{
		TextAnnotations: []*pb.EntityAnnotation{{Description: "x"}},
	}), nil)
	if _, err := c.DetectText(ctx, img, nil); !errors.As(err, &de) {
		t.Errorf("missing polygon: got %v, want *cloud.DecodeError", err)
	}

	mock.respond(single(&pb.AnnotateImageResponse{
		FaceAnnotations: []*pb.FaceAnnotation{{BoundingPoly: poly(0, 0, 1, 1), JoyLikelihood: 42}},
	}), nil)
	if _, err := c.DetectFaces(ctx, img, nil); !errors.As(err, &de) {
		t.Errorf("bad likelihood: got %v, want *cloud.DecodeError", err)
	}
}

func TestNilImage(t *testing.T) {
	mock, addr := newMock(t)
	c := newTestClient(t, addr, option.WithoutAuthentication())
	if _, err := c.DetectFaces(context.Background(), nil, nil); err == nil {
		t.Error("got nil error")
	}
	if n := len(mock.requests()); n != 0 {
		t.Errorf("%d requests sent for a nil image", n)
	}
}

func TestExpiredTokenRefreshedOnce(t *testing.T) {
	mock, addr := newMock(t, grpc.UnaryInterceptor(testutil.RejectTokens("token-1")))
	mock.respond(single(&pb.AnnotateImageResponse{}), nil)
	ts := &testutil.TokenSequence{}
	c := newTestClient(t, addr, option.WithTokenSource(ts))

	if _, err := c.DetectText(context.Background(), NewImageFromBytes([]byte("x")), nil); err != nil {
		t.Fatalf("got %v, want the rejected token to be refreshed transparently", err)
	}
	if got := ts.Count(); got != 2 {
		t.Errorf("tokens fetched: got %d, want 2", got)
	}
	if n := len(mock.requests()); n != 1 {
		t.Errorf("calls reaching the service: got %d, want 1", n)
	}
}

func TestNewImageFromReader(t *testing.T) {
	img, err := NewImageFromReader(strings.NewReader("image data"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(img.toProto(), &pb.Image{Content: []byte("image data")}); diff != "" {
		t.Errorf("(-got +want):\n%s", diff)
	}
	if _, err := NewImageFromReader(errReader{}); err == nil {
		t.Error("got nil error from a failing reader")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestBoundingBox(t *testing.T) {
	for _, test := range []struct {
		poly *pb.BoundingPoly
		want BoundingBox
	}{
		{poly(3, 4), BoundingBox{X: 3, Y: 4}},
		{poly(10, 0, 0, 10, 5, 5), BoundingBox{X: 0, Y: 0, W: 10, H: 10}},
		// Rotated quadrilateral.
		{poly(20, 10, 40, 20, 30, 40, 10, 30), BoundingBox{X: 10, Y: 10, W: 30, H: 30}},
	} {
		got, err := boundingBoxFromProto(test.poly)
		if err != nil {
			t.Fatal(err)
		}
		if got != test.want {
			t.Errorf("%v: got %+v, want %+v", test.poly, got, test.want)
		}
	}
	if _, err := boundingBoxFromProto(nil); err == nil {
		t.Error("nil polygon: got nil error")
	}
}

func TestLikelihoodString(t *testing.T) {
	for l, want := range map[Likelihood]string{
		LikelihoodUnknown: "Unknown",
		VeryUnlikely:      "VeryUnlikely",
		Possible:          "Possible",
		VeryLikely:        "VeryLikely",
		Likelihood(9):     "Likelihood(9)",
	} {
		if got := l.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
