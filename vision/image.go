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
	"io"

	pb "cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// An Image represents the contents of an image to run detection algorithms on,
// along with metadata. Images may be described by their raw bytes, or by a
// reference to a Google Cloud Storage (GCS) object or a public URL.
type Image struct {
	// Exactly one of content and uri is non-zero.
	content []byte
	uri     string
}

// NewImageFromBytes returns an image holding data. The slice is not copied.
func NewImageFromBytes(data []byte) *Image {
	return &Image{content: data}
}

// NewImageFromReader reads the bytes of an image from r.
func NewImageFromReader(r io.Reader) (*Image, error) {
	bytes, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &Image{content: bytes}, nil
}

// NewImageFromURI returns an image that refers to an object in Google Cloud
// Storage (when the uri is of the form "gs://BUCKET/OBJECT") or at a public
// URL.
func NewImageFromURI(uri string) *Image {
	return &Image{uri: uri}
}

// toProto returns nil for a nil image.
func (img *Image) toProto() *pb.Image {
	if img == nil {
		return nil
	}
	if img.uri != "" {
		return &pb.Image{Source: &pb.ImageSource{ImageUri: img.uri}}
	}
	return &pb.Image{Content: img.content}
}
