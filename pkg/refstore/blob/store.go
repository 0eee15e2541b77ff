// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blob implements refstore.Store over an object-storage
// bucket. Bucket provides S3-shaped list/get/exists operations so the
// same Store works against AWS S3, GCS and Azure Blob Storage (through
// the S3Bucket, GCSBucket and AzureBucket adapters), or any SDK that can
// be adapted to Bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oxkair/codingflow/pkg/refstore"
)

// Bucket is the minimal object-storage surface a blob Store needs.
type Bucket interface {
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	HeadObject(ctx context.Context, bucket, key string) (bool, error)
}

// Store is a refstore.Store backed by an object-storage Bucket.
type Store struct {
	bucket Bucket
	name   string
	prefix string
}

// New builds a Store scoped to bucketName/prefix.
func New(bucket Bucket, bucketName, prefix string) *Store {
	return &Store{bucket: bucket, name: bucketName, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *Store) FileExists(ctx context.Context, name string) (bool, error) {
	ok, err := s.bucket.HeadObject(ctx, s.name, s.key(name))
	if err != nil {
		return false, fmt.Errorf("refstore/blob: head %s: %w", name, err)
	}
	return ok, nil
}

func (s *Store) GetFileContent(ctx context.Context, name string) ([]byte, error) {
	data, err := s.bucket.GetObject(ctx, s.name, s.key(name))
	if err != nil {
		return nil, fmt.Errorf("refstore/blob: get %s: %w", name, err)
	}
	return data, nil
}

func (s *Store) ListFilesByName(ctx context.Context, substr string) ([]string, error) {
	keys, err := s.bucket.ListObjects(ctx, s.name, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("refstore/blob: list under %s: %w", s.prefix, err)
	}
	var matches []string
	for _, k := range keys {
		base := strings.TrimPrefix(k, s.prefix+"/")
		if strings.Contains(base, substr) {
			matches = append(matches, base)
		}
	}
	return matches, nil
}

var _ refstore.Store = (*Store)(nil)

// S3Bucket adapts an AWS S3 client to the Bucket interface.
type S3Bucket struct {
	client *s3.Client
}

// NewS3Bucket builds an S3Bucket, loading AWS config for region.
func NewS3Bucket(ctx context.Context, region string) (*S3Bucket, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("refstore/blob: failed to load AWS config: %w", err)
	}
	return &S3Bucket{client: s3.NewFromConfig(awsCfg)}, nil
}

func (b *S3Bucket) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	for {
		out, err := b.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = out.NextContinuationToken
	}
	return keys, nil
}

func (b *S3Bucket) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *S3Bucket) HeadObject(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *s3.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
