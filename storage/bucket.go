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
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/gcpbind/cloud/internal/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	raw "google.golang.org/api/storage/v1"
)

// BucketHandle provides operations on a Google Cloud Storage bucket.
// Use Client.Bucket to get a handle.
type BucketHandle struct {
	c    *Client
	name string
}

// Bucket returns a BucketHandle, which provides operations on the named bucket.
// This call does not perform any network operations.
//
// The supplied name must contain only lowercase letters, numbers, dashes,
// underscores, and dots. The full specification for valid bucket names can be
// found at:
//
//	https://cloud.google.com/storage/docs/bucket-naming
func (c *Client) Bucket(name string) *BucketHandle {
	return &BucketHandle{c: c, name: name}
}

// Name returns the name of the bucket.
func (b *BucketHandle) Name() string {
	return b.name
}

// CreateBucket creates the named bucket in the client's project and returns a
// handle to it. It is equivalent to c.Bucket(name).Create.
// If attrs is nil the API defaults will be used.
func (c *Client) CreateBucket(ctx context.Context, name string, attrs *BucketAttrs) (*BucketHandle, error) {
	b := c.Bucket(name)
	if err := b.Create(ctx, attrs); err != nil {
		return nil, err
	}
	return b, nil
}

// Create creates the bucket in the client's project.
// If attrs is nil the API defaults will be used.
func (b *BucketHandle) Create(ctx context.Context, attrs *BucketAttrs) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/storage.Bucket.Create")
	defer func() { trace.EndSpan(ctx, err) }()

	bkt := attrs.toRawBucket()
	bkt.Name = b.name
	return b.c.invoke(ctx, func(ctx context.Context) error {
		_, err := b.c.raw.Buckets.Insert(b.c.projectID, bkt).Context(ctx).Do()
		return err
	})
}

// DeleteBucket deletes the named bucket. It is equivalent to
// c.Bucket(name).Delete.
func (c *Client) DeleteBucket(ctx context.Context, name string) error {
	return c.Bucket(name).Delete(ctx)
}

// Delete deletes the bucket. The bucket must be empty.
func (b *BucketHandle) Delete(ctx context.Context) (err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/storage.Bucket.Delete")
	defer func() { trace.EndSpan(ctx, err) }()

	err = b.c.invoke(ctx, func(ctx context.Context) error {
		return b.c.raw.Buckets.Delete(b.name).Context(ctx).Do()
	})
	return notExist(err, ErrBucketNotExist)
}

// Attrs returns the metadata for the bucket.
func (b *BucketHandle) Attrs(ctx context.Context) (attrs *BucketAttrs, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/storage.Bucket.Attrs")
	defer func() { trace.EndSpan(ctx, err) }()

	var resp *raw.Bucket
	err = b.c.invoke(ctx, func(ctx context.Context) error {
		resp, err = b.c.raw.Buckets.Get(b.name).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, notExist(err, ErrBucketNotExist)
	}
	return newBucketAttrs(resp)
}

// Object returns an ObjectHandle, which provides operations on the named object.
// This call does not perform any network operations.
//
// name must consist entirely of valid UTF-8-encoded runes. The full specification
// for valid object names can be found at:
//
//	https://cloud.google.com/storage/docs/naming-objects
func (b *BucketHandle) Object(name string) *ObjectHandle {
	return &ObjectHandle{c: b.c, bucket: b.name, object: name}
}

// CreateObject writes data to the named object in a single request,
// replacing any existing object of that name, and returns the attributes of
// the new object. An empty contentType lets the service detect it.
func (b *BucketHandle) CreateObject(ctx context.Context, name string, data []byte, contentType string) (attrs *ObjectAttrs, err error) {
	ctx = trace.StartSpan(ctx, "gcpbind/storage.Bucket.CreateObject")
	defer func() { trace.EndSpan(ctx, err) }()

	if name == "" {
		return nil, errors.New("storage: object name is empty")
	}
	obj := &raw.Object{Bucket: b.name, Name: name, ContentType: contentType}
	mediaOpts := []googleapi.MediaOption{googleapi.ChunkSize(0)}
	if contentType != "" {
		mediaOpts = append(mediaOpts, googleapi.ContentType(contentType))
	}
	var resp *raw.Object
	err = b.c.invoke(ctx, func(ctx context.Context) error {
		// A retried upload must resend the whole payload.
		r := bytes.NewReader(data)
		resp, err = b.c.raw.Objects.Insert(b.name, obj).Media(r, mediaOpts...).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, notExist(err, ErrBucketNotExist)
	}
	return newObjectAttrs(resp)
}

// BucketAttrs represents the metadata for a Google Cloud Storage bucket.
// Read-only fields are ignored by Create.
type BucketAttrs struct {
	// Name is the name of the bucket.
	// This field is read-only.
	Name string

	// Location is the location of the bucket. It defaults to "US".
	Location string

	// StorageClass is the default storage class of the bucket. This defines
	// how objects in the bucket are stored and determines the SLA
	// and the cost of storage. Typical values are "STANDARD", "NEARLINE",
	// "COLDLINE" and "ARCHIVE".
	StorageClass string

	// Labels are the bucket's labels.
	Labels map[string]string

	// VersioningEnabled reports whether this bucket has versioning enabled.
	VersioningEnabled bool

	// Created is the creation time of the bucket.
	// This field is read-only.
	Created time.Time

	// Updated is the time at which the bucket's metadata was last changed.
	// This field is read-only.
	Updated time.Time

	// MetaGeneration is the metadata generation of the bucket.
	// This field is read-only.
	MetaGeneration int64

	// Etag is the HTTP/1.1 Entity tag for the bucket.
	// This field is read-only.
	Etag string
}

func (b *BucketAttrs) toRawBucket() *raw.Bucket {
	if b == nil {
		return &raw.Bucket{}
	}
	var v *raw.BucketVersioning
	if b.VersioningEnabled {
		v = &raw.BucketVersioning{Enabled: true}
	}
	return &raw.Bucket{
		Name:         b.Name,
		Location:     b.Location,
		StorageClass: b.StorageClass,
		Labels:       copyMap(b.Labels),
		Versioning:   v,
	}
}

func newBucketAttrs(b *raw.Bucket) (*BucketAttrs, error) {
	if b == nil {
		return nil, nil
	}
	created, err := parseTime("bucket creation time", b.TimeCreated)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime("bucket update time", b.Updated)
	if err != nil {
		return nil, err
	}
	return &BucketAttrs{
		Name:              b.Name,
		Location:          b.Location,
		StorageClass:      b.StorageClass,
		Labels:            copyMap(b.Labels),
		VersioningEnabled: b.Versioning != nil && b.Versioning.Enabled,
		Created:           created,
		Updated:           updated,
		MetaGeneration:    b.Metageneration,
		Etag:              b.Etag,
	}, nil
}

// Buckets returns an iterator over the buckets in the project. You may
// optionally set the iterator's Prefix field to restrict the list to buckets
// whose names begin with the prefix. By default, all buckets in the project
// are returned.
func (c *Client) Buckets(ctx context.Context, projectID string) *BucketIterator {
	it := &BucketIterator{}
	fetch := func(pageSize int, pageToken string) (string, error) {
		var resp *raw.Buckets
		err := c.invoke(ctx, func(ctx context.Context) (err error) {
			req := c.raw.Buckets.List(projectID).Prefix(it.Prefix).PageToken(pageToken)
			if pageSize > 0 {
				req.MaxResults(int64(pageSize))
			}
			resp, err = req.Context(ctx).Do()
			return err
		})
		if err != nil {
			return "", err
		}
		for _, item := range resp.Items {
			attrs, err := newBucketAttrs(item)
			if err != nil {
				return "", err
			}
			it.buckets = append(it.buckets, attrs)
		}
		return resp.NextPageToken, nil
	}
	it.pageInfo, it.nextFunc = iterator.NewPageInfo(
		fetch,
		func() int { return len(it.buckets) },
		func() interface{} { b := it.buckets; it.buckets = nil; return b })
	return it
}

// A BucketIterator is an iterator over BucketAttrs.
//
// Note: This iterator is not safe for concurrent operations without explicit synchronization.
type BucketIterator struct {
	// Prefix restricts the iterator to buckets whose names begin with it.
	Prefix string

	buckets  []*BucketAttrs
	pageInfo *iterator.PageInfo
	nextFunc func() error
}

// Next returns the next result. Its second return value is iterator.Done if
// there are no more results. Once Next returns iterator.Done, all subsequent
// calls will return iterator.Done.
func (it *BucketIterator) Next() (*BucketAttrs, error) {
	if err := it.nextFunc(); err != nil {
		return nil, err
	}
	b := it.buckets[0]
	it.buckets = it.buckets[1:]
	return b, nil
}

// PageInfo supports pagination. See the google.golang.org/api/iterator package for details.
func (it *BucketIterator) PageInfo() *iterator.PageInfo { return it.pageInfo }

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
