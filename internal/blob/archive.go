package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNoSnapshot is returned when the archive holds no snapshot.
var ErrNoSnapshot = errors.New("no archived snapshot")

const partSize int64 = 5 * 1024 * 1024

// SnapshotArchive stores encoded snapshots under
// {prefix}/snapshot-{sequence:020d}.json so that key order is sequence
// order.
type SnapshotArchive struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func NewSnapshotArchive(c *Client, prefix string) *SnapshotArchive {
	return &SnapshotArchive{
		client: c.s3,
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		bucket: c.bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// SnapshotKey is the object key of the snapshot at sequence.
func SnapshotKey(prefix string, sequence int64) string {
	return path.Join(strings.Trim(prefix, "/"), fmt.Sprintf("snapshot-%020d.json", sequence))
}

// ParseSnapshotKey recovers the sequence from a key built by SnapshotKey.
func ParseSnapshotKey(key string) (int64, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	seq, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Upload stores data and returns the object key.
func (a *SnapshotArchive) Upload(ctx context.Context, sequence int64, data []byte) (string, error) {
	key := SnapshotKey(a.prefix, sequence)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("blob: upload %s: %w", key, err)
	}
	return key, nil
}

// Fetch downloads the object at key.
func (a *SnapshotArchive) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("blob: get %s: %w", key, ErrNoSnapshot)
		}
		return nil, fmt.Errorf("blob: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", key, err)
	}
	return data, nil
}

// LatestKey returns the key of the highest-sequence snapshot.
func (a *SnapshotArchive) LatestKey(ctx context.Context) (string, error) {
	prefix := a.prefix
	if prefix != "" {
		prefix += "/"
	}
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix + "snapshot-"),
	})

	var (
		latest    string
		latestSeq int64 = -1
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if seq, ok := ParseSnapshotKey(key); ok && seq > latestSeq {
				latest, latestSeq = key, seq
			}
		}
	}
	if latest == "" {
		return "", ErrNoSnapshot
	}
	return latest, nil
}
