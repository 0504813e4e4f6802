// Package volumeio reads segmentation volumes and writes merged label
// volumes as NIfTI-1, from local paths or blob storage URLs.
package volumeio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"labelmerge/internal/models"
	"labelmerge/pkg/merge"
)

// Location is a volume file split into the bucket holding it and its key.
type Location struct {
	// Bucket is a gocloud bucket URL (file:///dir, gs://bucket, s3://bucket)
	// or empty for a plain local path.
	Bucket string

	// Key is the object key within Bucket, or the local path.
	Key string
}

// ParseLocation splits a path or URL. For URLs the scheme and host form the
// bucket and the rest is the key; file:// URLs split at the last slash.
func ParseLocation(ref string) (Location, error) {
	if ref == "" {
		return Location{}, fmt.Errorf("empty volume location")
	}
	i := strings.Index(ref, "://")
	if i <= 0 {
		return Location{Key: filepath.Clean(ref)}, nil
	}

	scheme, rest := ref[:i], ref[i+3:]
	if scheme == "file" {
		dir, key := filepath.Split(rest)
		if key == "" {
			return Location{}, fmt.Errorf("location %q names a directory, not a volume", ref)
		}
		return Location{Bucket: "file://" + filepath.Clean(dir), Key: key}, nil
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Location{}, fmt.Errorf("location %q must be of form %s://<bucket>/<key>", ref, scheme)
	}
	return Location{Bucket: scheme + "://" + parts[0], Key: parts[1]}, nil
}

// IsLocal reports whether the location is a plain filesystem path
func (l Location) IsLocal() bool {
	return l.Bucket == ""
}

func (l Location) String() string {
	if l.IsLocal() {
		return l.Key
	}
	return strings.TrimSuffix(l.Bucket, "/") + "/" + l.Key
}

// Compressed reports whether the key names a gzipped file
func (l Location) Compressed() bool {
	return strings.HasSuffix(strings.ToLower(l.Key), ".gz")
}

// ReadVolume loads one NIfTI volume from a bucket. A missing or unreadable
// object is an ErrMissingInput for label.
func ReadVolume(ctx context.Context, bucket *blob.Bucket, key, label string) (*models.Volume, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, &merge.MissingInputError{Label: label, Location: key, Err: err}
		}
		return nil, fmt.Errorf("failed to open %q: %w", key, err)
	}
	defer r.Close()
	return decodeVolume(r, key, label)
}

// WriteLabelVolume stores a label volume under key, gzipped if the key ends
// in .gz.
func WriteLabelVolume(ctx context.Context, bucket *blob.Bucket, key string, vol *models.LabelVolume) error {
	w, err := bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", key, err)
	}
	return encodeVolume(w, key, vol)
}

// Load reads the volume for label from a path or URL.
func Load(ctx context.Context, ref, label string) (*models.Volume, error) {
	loc, err := ParseLocation(ref)
	if err != nil {
		return nil, &merge.MissingInputError{Label: label, Location: ref, Err: err}
	}

	var vol *models.Volume
	if loc.IsLocal() {
		f, err := os.Open(loc.Key)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &merge.MissingInputError{Label: label, Location: ref, Err: err}
			}
			return nil, fmt.Errorf("failed to open %q: %w", ref, err)
		}
		defer f.Close()
		vol, err = decodeVolume(f, loc.Key, label)
		if err != nil {
			return nil, err
		}
	} else {
		bucket, err := blob.OpenBucket(ctx, loc.Bucket)
		if err != nil {
			return nil, &merge.MissingInputError{Label: label, Location: ref, Err: err}
		}
		defer bucket.Close()
		vol, err = ReadVolume(ctx, bucket, loc.Key, label)
		if err != nil {
			return nil, err
		}
	}
	vol.Source = loc.String()
	return vol, nil
}

// Save writes a label volume to a path or URL. Local parent directories are
// created as needed.
func Save(ctx context.Context, ref string, vol *models.LabelVolume) error {
	loc, err := ParseLocation(ref)
	if err != nil {
		return err
	}
	if loc.IsLocal() {
		f, err := createLocal(loc)
		if err != nil {
			return err
		}
		return encodeVolume(f, loc.Key, vol)
	}
	bucket, err := openOutputBucket(ctx, loc)
	if err != nil {
		return err
	}
	defer bucket.Close()
	return WriteLabelVolume(ctx, bucket, loc.Key, vol)
}

// WriteFile stores arbitrary bytes, such as a merge record, at a path or URL.
func WriteFile(ctx context.Context, ref string, write func(io.Writer) error) error {
	w, err := create(ctx, ref)
	if err != nil {
		return err
	}
	if err := write(w); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to write %q: %w", ref, err)
	}
	return nil
}

// ReadFile reads a whole object from a path or URL.
func ReadFile(ctx context.Context, ref string) ([]byte, error) {
	loc, err := ParseLocation(ref)
	if err != nil {
		return nil, err
	}
	if loc.IsLocal() {
		return os.ReadFile(loc.Key)
	}
	bucket, err := blob.OpenBucket(ctx, loc.Bucket)
	if err != nil {
		return nil, err
	}
	defer bucket.Close()
	return bucket.ReadAll(ctx, loc.Key)
}

func decodeVolume(r io.Reader, key, label string) (*models.Volume, error) {
	vol, err := Decode(r, strings.HasSuffix(strings.ToLower(key), ".gz"))
	if err != nil {
		return nil, &merge.MissingInputError{Label: label, Location: key, Err: err}
	}
	vol.Source = key
	return vol, nil
}

func encodeVolume(w io.WriteCloser, key string, vol *models.LabelVolume) error {
	if err := Encode(w, vol, strings.HasSuffix(strings.ToLower(key), ".gz")); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

// bucketWriter closes the bucket after the object writer
type bucketWriter struct {
	*blob.Writer
	bucket *blob.Bucket
}

func (w bucketWriter) Close() error {
	err := w.Writer.Close()
	if cerr := w.bucket.Close(); err == nil {
		err = cerr
	}
	return err
}

func create(ctx context.Context, ref string) (io.WriteCloser, error) {
	loc, err := ParseLocation(ref)
	if err != nil {
		return nil, err
	}
	if loc.IsLocal() {
		return createLocal(loc)
	}
	bucket, err := openOutputBucket(ctx, loc)
	if err != nil {
		return nil, err
	}
	w, err := bucket.NewWriter(ctx, loc.Key, nil)
	if err != nil {
		bucket.Close()
		return nil, fmt.Errorf("failed to create %q: %w", ref, err)
	}
	return bucketWriter{Writer: w, bucket: bucket}, nil
}

func createLocal(loc Location) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(loc.Key), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(loc.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create %q: %w", loc.Key, err)
	}
	return f, nil
}

// openOutputBucket opens the bucket of loc for writing. Directories behind
// file:// buckets are created first.
func openOutputBucket(ctx context.Context, loc Location) (*blob.Bucket, error) {
	if strings.HasPrefix(loc.Bucket, "file://") {
		if err := os.MkdirAll(strings.TrimPrefix(loc.Bucket, "file://"), 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return blob.OpenBucket(ctx, loc.Bucket)
}
