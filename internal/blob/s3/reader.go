package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// archivePrefix is the key namespace the archiver writes under. The reader
// refuses to step outside it so the admin API can never be used to browse
// unrelated objects in a shared bucket.
const archivePrefix = "archive/"

// Reader lets operators browse and download the exported ledger files. It
// implements domain.BlobReader over the archiver's key namespace.
type Reader struct {
	client *s3.Client
	bucket string
}

// NewReader creates a Reader over the client's configured bucket.
func NewReader(c *Client) *Reader {
	return &Reader{client: c.S3(), bucket: c.Bucket()}
}

// Get streams one exported file. The caller closes the returned body.
// Keys outside the archive namespace and missing objects both return
// domain.ErrNotFound, so probing the bucket layout reveals nothing.
func (r *Reader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if !strings.HasPrefix(path, archivePrefix) {
		return nil, fmt.Errorf("s3blob: get %s: outside archive namespace: %w", path, domain.ErrNotFound)
	}

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return out.Body, nil
}

// List returns metadata for exported files under prefix, following
// continuation tokens until the listing is complete. An empty prefix lists
// the whole archive namespace; anything narrower is anchored under it.
func (r *Reader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	if !strings.HasPrefix(prefix, archivePrefix) {
		prefix = archivePrefix + prefix
	}

	var infos []domain.BlobInfo
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := domain.BlobInfo{
				Path: aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// isNotFound reports whether the error means the object does not exist.
// GetObject surfaces NoSuchKey; Head-style calls surface a typed NotFound;
// some S3-compatible providers only give a bare 404 response.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	type statusError interface{ HTTPStatusCode() int }
	var se statusError
	return errors.As(err, &se) && se.HTTPStatusCode() == 404
}
