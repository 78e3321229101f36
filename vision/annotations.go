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
	"errors"
	"fmt"

	pb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/gcpbind/cloud"
)

// A BoundingBox is the axis-aligned rectangle around an annotation, in pixels
// of the original image.
type BoundingBox struct {
	// X and Y locate the top-left corner.
	X, Y int32
	// W and H are the width and height.
	W, H int32
}

// boundingBoxFromProto returns the smallest box holding every vertex of p.
func boundingBoxFromProto(p *pb.BoundingPoly) (BoundingBox, error) {
	vs := p.GetVertices()
	if len(vs) == 0 {
		return BoundingBox{}, &cloud.DecodeError{What: "BoundingPoly", Err: errors.New("no vertices")}
	}
	minX, minY := vs[0].GetX(), vs[0].GetY()
	maxX, maxY := minX, minY
	for _, v := range vs[1:] {
		minX = min(minX, v.GetX())
		minY = min(minY, v.GetY())
		maxX = max(maxX, v.GetX())
		maxY = max(maxY, v.GetY())
	}
	return BoundingBox{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}, nil
}

// Likelihood represents the likelihood that a face has a given feature.
type Likelihood int

const (
	// LikelihoodUnknown means the likelihood is unknown.
	LikelihoodUnknown Likelihood = iota

	// VeryUnlikely means the image is very unlikely to belong to the feature specified.
	VeryUnlikely

	// Unlikely means the image is unlikely to belong to the feature specified.
	Unlikely

	// Possible means the image possibly belongs to the feature specified.
	Possible

	// Likely means the image is likely to belong to the feature specified.
	Likely

	// VeryLikely means the image is very likely to belong to the feature specified.
	VeryLikely
)

var likelihoodNames = [...]string{"Unknown", "VeryUnlikely", "Unlikely", "Possible", "Likely", "VeryLikely"}

func (l Likelihood) String() string {
	if l < 0 || int(l) >= len(likelihoodNames) {
		return fmt.Sprintf("Likelihood(%d)", int(l))
	}
	return likelihoodNames[l]
}

func likelihoodFromProto(l pb.Likelihood) (Likelihood, error) {
	if l < pb.Likelihood_UNKNOWN || l > pb.Likelihood_VERY_LIKELY {
		return 0, &cloud.DecodeError{What: "Likelihood", Err: fmt.Errorf("unknown value %d", l)}
	}
	return Likelihood(l), nil
}

// A TextAnnotation is a piece of text detected in an image.
type TextAnnotation struct {
	// Description is the detected text.
	Description string

	// Locale is the language of the text, if detected.
	Locale string

	BoundingBox BoundingBox
}

func textAnnotationFromProto(e *pb.EntityAnnotation) (*TextAnnotation, error) {
	box, err := boundingBoxFromProto(e.GetBoundingPoly())
	if err != nil {
		return nil, err
	}
	return &TextAnnotation{
		Description: e.GetDescription(),
		Locale:      e.GetLocale(),
		BoundingBox: box,
	}, nil
}

// A FaceAnnotation describes a face detected in an image.
type FaceAnnotation struct {
	// BoundingBox encloses the whole head.
	BoundingBox BoundingBox

	// DetectionConfidence is in the range [0, 1].
	DetectionConfidence float32

	Joy          Likelihood
	Sorrow       Likelihood
	Anger        Likelihood
	Surprise     Likelihood
	UnderExposed Likelihood
	Blurred      Likelihood
	Headwear     Likelihood
}

func faceAnnotationFromProto(f *pb.FaceAnnotation) (*FaceAnnotation, error) {
	box, err := boundingBoxFromProto(f.GetBoundingPoly())
	if err != nil {
		return nil, err
	}
	fa := &FaceAnnotation{BoundingBox: box, DetectionConfidence: f.GetDetectionConfidence()}
	for _, l := range []struct {
		dst *Likelihood
		src pb.Likelihood
	}{
		{&fa.Joy, f.GetJoyLikelihood()},
		{&fa.Sorrow, f.GetSorrowLikelihood()},
		{&fa.Anger, f.GetAngerLikelihood()},
		{&fa.Surprise, f.GetSurpriseLikelihood()},
		{&fa.UnderExposed, f.GetUnderExposedLikelihood()},
		{&fa.Blurred, f.GetBlurredLikelihood()},
		{&fa.Headwear, f.GetHeadwearLikelihood()},
	} {
		if *l.dst, err = likelihoodFromProto(l.src); err != nil {
			return nil, err
		}
	}
	return fa, nil
}
