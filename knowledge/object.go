package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectSource locates a bundle in S3-compatible storage.
type ObjectSource struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Object    string
}

// LoadObject fetches a bundle from object storage. The encoding follows the
// object name's extension.
func LoadObject(ctx context.Context, src ObjectSource) (*Bundle, error) {
	if src.Endpoint == "" || src.Bucket == "" || src.Object == "" {
		return nil, errors.New("object source needs endpoint, bucket and object")
	}

	client, err := minio.New(src.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(src.AccessKey, src.SecretKey, ""),
		Secure: src.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	obj, err := client.GetObject(ctx, src.Bucket, src.Object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", src.Bucket, src.Object, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, MaxBundleSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", src.Bucket, src.Object, err)
	}
	if len(data) > MaxBundleSize {
		return nil, fmt.Errorf("bundle %s/%s too large", src.Bucket, src.Object)
	}
	return Parse(data, FormatFor(src.Object))
}
