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

/*
Package vision provides a client for the Google Cloud Vision API.

Google Cloud Vision detects text and faces in images. For more information
about Cloud Vision, read the Google Cloud Vision API Documentation at
https://cloud.google.com/vision/docs.

# Creating Images

The Cloud Vision API supports a variety of image file formats, including JPEG,
PNG8, PNG24, Animated GIF (first frame only), and RAW. Be aware that Cloud
Vision sets upper limits on file size as well as on the total combined size of
all images in a request.

Use NewImageFromBytes, NewImageFromReader or NewImageFromURI to create images
for the Cloud Vision service. Creating an Image does not perform an API
request.

# Detecting

Each method on Client runs a single detection on a single image. For
instance, Client.DetectFaces runs face detection on the provided Image:

	client, err := vision.NewClient(ctx)
	if err != nil {
		// TODO: Handle error.
	}
	faces, err := client.DetectFaces(ctx, vision.NewImageFromURI("gs://my-bucket/my-image.png"), nil)
	if err != nil {
		// TODO: Handle error.
	}
	for _, f := range faces {
		fmt.Println(f.BoundingBox, f.Joy)
	}

If the service fails to process the image, the error is a *cloud.ServiceError
carrying the status reported for that image.
*/
package vision // import "github.com/gcpbind/cloud/vision"
