// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package cloudstorage is the Object Store collaborator boundary: a small
// client interface over durable key-addressed blob storage, with an S3
// implementation and a local-filesystem implementation for tests.
package cloudstorage

import (
	"context"
	"fmt"

	"github.com/cardinalhq/logflume/config"
	"github.com/cardinalhq/logflume/internal/awsclient"
)

// Client provides the object store operations the pipeline needs.
type Client interface {
	// DownloadObject downloads an object to a temp file under tmpdir.
	// Returns the temp filename, size, whether the object was not found,
	// and error.
	DownloadObject(ctx context.Context, tmpdir, bucket, key string) (filename string, size int64, notFound bool, err error)

	// UploadObject uploads a local file to the given bucket/key.
	UploadObject(ctx context.Context, bucket, key, sourceFilename string) error

	// ListObjects returns the keys under the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)

	// DeleteObject deletes an object.
	DeleteObject(ctx context.Context, bucket, key string) error
}

// ClientProvider creates Clients for a storage configuration. It exists so
// agents and tests can swap the S3 implementation for the file-backed one.
type ClientProvider interface {
	NewClient(ctx context.Context, storage config.StorageConfig) (Client, error)
}

// S3ClientProvider builds S3-backed clients from a shared AWS manager.
type S3ClientProvider struct {
	mgr *awsclient.Manager
}

var _ ClientProvider = (*S3ClientProvider)(nil)

// NewS3ClientProvider returns a provider backed by the given AWS manager.
func NewS3ClientProvider(mgr *awsclient.Manager) *S3ClientProvider {
	return &S3ClientProvider{mgr: mgr}
}

// NewClient creates an S3 client for the given storage configuration.
func (p *S3ClientProvider) NewClient(ctx context.Context, storage config.StorageConfig) (Client, error) {
	var opts []awsclient.S3Option
	if storage.RoleARN != "" {
		opts = append(opts, awsclient.WithRole(storage.RoleARN))
	}
	if storage.Region != "" {
		opts = append(opts, awsclient.WithRegion(storage.Region))
	}
	if storage.Endpoint != "" {
		opts = append(opts, awsclient.WithEndpoint(storage.Endpoint))
	}
	if storage.UsePathStyle {
		opts = append(opts, awsclient.WithPathStyle())
	}
	if storage.InsecureTLS {
		opts = append(opts, awsclient.WithInsecureTLS())
	}

	awsS3Client, err := p.mgr.GetS3(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &s3Client{awsS3Client: awsS3Client}, nil
}
