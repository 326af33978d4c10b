package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrBucketRequired is returned when an archive call carries no bucket.
var ErrBucketRequired = errors.New("storage bucket is required")

type ObjectInfo struct {
	Key          string     `json:"key"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// ArchiveOptions conveys archive destination metadata.
type ArchiveOptions struct {
	Bucket           string
	KeyPrefix        string
	ProgressCallback func(done, total int64)
}

// Archiver copies completed downloads to remote object storage.
type Archiver interface {
	// Archive uploads a file or a directory tree and returns its s3:// location.
	Archive(ctx context.Context, localPath string, opts ArchiveOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	PresignURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

type archiveFile struct {
	path string
	rel  string
	size int64
}

// collectFiles lists the regular files under root. A plain file yields itself,
// keyed by its base name.
func collectFiles(root string) ([]archiveFile, int64, error) {
	root = filepath.Clean(root)
	fi, err := os.Stat(root)
	if err != nil {
		return nil, 0, fmt.Errorf("stat local path: %w", err)
	}
	if !fi.IsDir() {
		return []archiveFile{{path: root, rel: filepath.Base(root), size: fi.Size()}}, fi.Size(), nil
	}

	var (
		files []archiveFile
		total int64
	)
	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}
		files = append(files, archiveFile{
			path: path,
			rel:  filepath.ToSlash(rel),
			size: info.Size(),
		})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

// ObjectKey joins a key prefix and a slash separated relative path.
func ObjectKey(prefix, rel string) string {
	prefix = strings.Trim(prefix, "/")
	rel = strings.TrimLeft(rel, "/")
	switch {
	case prefix == "":
		return rel
	case rel == "" || rel == ".":
		return prefix
	default:
		return prefix + "/" + rel
	}
}

// DownloadPrefix is the key prefix a download is archived under.
func DownloadPrefix(base, downloadID string) string {
	return ObjectKey(base, downloadID)
}

// Location renders the s3:// URI of a bucket prefix.
func Location(bucket, prefix string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.Trim(prefix, "/"))
}
