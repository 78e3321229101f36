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

package storage

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gcpbind/cloud"
	"github.com/gcpbind/cloud/internal/trace"
	raw "google.golang.org/api/storage/v1"
)

// ObjectHandle provides operations on an object in a Google Cloud Storage bucket.
// Use BucketHandle.Object to get a handle.
type ObjectHandle struct {
	c      *Client
	bucket string
	object string
}

// BucketName returns the name of the bucket.
func (o *ObjectHandle) BucketName() string {
	return o.bucket
}

// ObjectName returns the name of the object.
func (o *ObjectHandle) ObjectName() string {
	return o.object
}

// Attrs returns meta information about the object.
// ErrObjectNotExist will be returned if the object is not found.
func (o *ObjectHandle) Attrs(ctx context.Context) (attrs *ObjectAttrs, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/storage.Object.Attrs")
	defer func() { trace.EndSpan(ctx, err) }()

	var resp *raw.Object
	err = o.c.invoke(ctx, func(ctx context.Context) error {
		resp, err = o.c.raw.Objects.Get(o.bucket, o.object).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, notExist(err, ErrObjectNotExist)
	}
	return newObjectAttrs(resp)
}

// NewReader creates a new io.ReadCloser to read the contents of the object.
// ErrObjectNotExist will be returned if the object is not found.
//
// The caller must call Close on the returned reader when done reading.
func (o *ObjectHandle) NewReader(ctx context.Context) (r io.ReadCloser, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/storage.Object.NewReader")
	defer func() { trace.EndSpan(ctx, err) }()

	var resp *http.Response
	cancel, err := o.c.hc.InvokeStream(ctx, func(ctx context.Context) error {
		resp, err = o.c.raw.Objects.Get(o.bucket, o.object).Context(ctx).Download()
		return err
	})
	if err != nil {
		return nil, notExist(err, ErrObjectNotExist)
	}
	return &bodyReader{ReadCloser: resp.Body, cancel: cancel}, nil
}

// bodyReader releases the download's context when the body is closed.
type bodyReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *bodyReader) Close() error {
	defer r.cancel()
	return r.ReadCloser.Close()
}

// Read returns the entire contents of the object.
func (o *ObjectHandle) Read(ctx context.Context) ([]byte, error) {
	r, err := o.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage: reading %s/%s: %w", o.bucket, o.object, err)
	}
	return data, nil
}

// Delete deletes the single specified object.
func (o *ObjectHandle) Delete(ctx context.Context) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/storage.Object.Delete")
	defer func() { trace.EndSpan(ctx, err) }()

	err = o.c.invoke(ctx, func(ctx context.Context) error {
		return o.c.raw.Objects.Delete(o.bucket, o.object).Context(ctx).Do()
	})
	return notExist(err, ErrObjectNotExist)
}

// ObjectAttrs represents the metadata for a Google Cloud Storage (GCS) object.
type ObjectAttrs struct {
	// Bucket is the name of the bucket containing this GCS object.
	Bucket string

	// Name is the name of the object within the bucket.
	Name string

	// ContentType is the MIME type of the object's content.
	ContentType string

	// ContentEncoding is the encoding of the object's content.
	ContentEncoding string

	// StorageClass is the storage class of the object.
	StorageClass string

	// Size is the length of the object's content.
	Size int64

	// MD5 is the MD5 hash of the object's content.
	MD5 []byte

	// CRC32C is the CRC32 checksum of the object's content using the
	// Castagnoli93 polynomial.
	CRC32C uint32

	// MediaLink is an URL to the object's content.
	MediaLink string

	// Metadata represents user-provided metadata, in key/value pairs.
	// It can be nil if no metadata is provided.
	Metadata map[string]string

	// Generation is the generation number of the object's content.
	Generation int64

	// Metageneration is the version of the metadata for this
	// object at this generation. This field is used for preconditions
	// and for detecting changes in metadata. A metageneration number
	// is only meaningful in the context of a particular generation
	// of a particular object.
	Metageneration int64

	// Etag is the HTTP/1.1 Entity tag for the object.
	Etag string

	// Created is the time the object was created.
	Created time.Time

	// Updated is the creation or modification time of the object.
	// For buckets with versioning enabled, changing an object's
	// metadata does not change this property.
	Updated time.Time

	// Prefix is set only for ObjectAttrs which represent synthetic "directory
	// entries" when iterating over buckets using Query.Delimiter. See
	// ObjectIterator.Next. When set, no other fields in ObjectAttrs will be
	// populated.
	Prefix string
}

func newObjectAttrs(o *raw.Object) (*ObjectAttrs, error) {
	if o == nil {
		return nil, nil
	}
	var md5 []byte
	if o.Md5Hash != "" {
		b, err := base64.StdEncoding.DecodeString(o.Md5Hash)
		if err != nil {
			return nil, &cloud.DecodeError{What: "object md5 hash", Err: err}
		}
		md5 = b
	}
	crc, err := decodeCRC32C(o.Crc32c)
	if err != nil {
		return nil, err
	}
	created, err := parseTime("object creation time", o.TimeCreated)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime("object update time", o.Updated)
	if err != nil {
		return nil, err
	}
	return &ObjectAttrs{
		Bucket:          o.Bucket,
		Name:            o.Name,
		ContentType:     o.ContentType,
		ContentEncoding: o.ContentEncoding,
		StorageClass:    o.StorageClass,
		Size:            int64(o.Size),
		MD5:             md5,
		CRC32C:          crc,
		MediaLink:       o.MediaLink,
		Metadata:        copyMap(o.Metadata),
		Generation:      o.Generation,
		Metageneration:  o.Metageneration,
		Etag:            o.Etag,
		Created:         created,
		Updated:         updated,
	}, nil
}

// decodeCRC32C decodes the base64 big-endian checksum the API reports.
func decodeCRC32C(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, &cloud.DecodeError{What: "object crc32c", Err: err}
	}
	if len(b) != 4 {
		return 0, &cloud.DecodeError{What: "object crc32c", Err: fmt.Errorf("got %d bytes, want 4", len(b))}
	}
	return binary.BigEndian.Uint32(b), nil
}

// parseTime parses an RFC 3339 timestamp. The empty string is the zero time.
func parseTime(what, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &cloud.DecodeError{What: what, Err: err}
	}
	return t, nil
}
