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

package cloudstorage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cardinalhq/logflume/config"
)

// FileClientProvider creates clients that operate on the local filesystem.
// It is intended for tests that want to bypass real cloud providers.
type FileClientProvider struct {
	base string
}

var _ ClientProvider = (*FileClientProvider)(nil)

// NewFileClientProvider returns a new provider rooted at base.
func NewFileClientProvider(base string) *FileClientProvider {
	return &FileClientProvider{base: base}
}

// NewClient returns a client that reads and writes files under the base path.
// Bucket names become subdirectories under the base path.
func (p *FileClientProvider) NewClient(ctx context.Context, storage config.StorageConfig) (Client, error) {
	return &fileClient{base: p.base}, nil
}

type fileClient struct {
	base string
}

func (c *fileClient) path(bucket, key string) string {
	return filepath.Join(c.base, bucket, filepath.FromSlash(key))
}

// DownloadObject copies the requested object to a temp file and returns the filename.
func (c *fileClient) DownloadObject(ctx context.Context, tmpdir, bucket, key string) (string, int64, bool, error) {
	src := c.path(bucket, key)
	fi, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, true, nil
		}
		return "", 0, false, err
	}
	filename := filepath.Base(key)
	dst, err := os.CreateTemp(tmpdir, "*-"+filename)
	if err != nil {
		return "", 0, false, err
	}
	defer func() { _ = dst.Close() }()

	f, err := os.Open(src)
	if err != nil {
		return "", 0, false, err
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(dst, f); err != nil {
		return "", 0, false, err
	}
	return dst.Name(), fi.Size(), false, nil
}

// UploadObject copies a local file into the bucket/key location.
func (c *fileClient) UploadObject(ctx context.Context, bucket, key, sourceFilename string) error {
	dst := c.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	src, err := os.Open(sourceFilename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, src)
	return err
}

// ListObjects walks the bucket directory and returns keys under prefix.
func (c *fileClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	root := filepath.Join(c.base, bucket)
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteObject removes the object file if present.
func (c *fileClient) DeleteObject(ctx context.Context, bucket, key string) error {
	err := os.Remove(c.path(bucket, key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
