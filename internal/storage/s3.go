package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Saver uploads assets to object storage under keys like:
//
//	s3://<bucket>/<prefix>/assets/<batchID>/<category>/<requestID>.<ext>
type S3Saver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Saver creates an S3Saver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Saver(ctx context.Context, bucket, prefix string) (*S3Saver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 saver: bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3 saver: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Saver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3Saver) Save(ctx context.Context, asset Asset) (string, error) {
	if len(asset.Content) == 0 {
		return "", fmt.Errorf("s3 saver: empty content for request %s", asset.RequestID)
	}
	key := path.Join(s.prefix, "assets",
		asset.BatchID.String(),
		sanitize(asset.Category),
		asset.RequestID.String()+Ext(asset.ContentType))

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(asset.Content),
		ContentType: aws.String(asset.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 saver: upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
