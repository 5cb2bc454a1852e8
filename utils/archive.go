// utils/archive.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var archiveClient *s3.Client
var archiveBucket string
var archiveBaseURL string

// InitArchive configures the settlement archive against an S3-compatible
// store (R2 in production). Archival is optional: when ARCHIVE_BUCKET_NAME
// is unset the service runs without it.
func InitArchive() error {
	accountID := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	accessKeyID := os.Getenv("ARCHIVE_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("ARCHIVE_ACCESS_KEY_SECRET")
	archiveBucket = os.Getenv("ARCHIVE_BUCKET_NAME")
	if archiveBucket == "" {
		return nil
	}
	archiveBaseURL = os.Getenv("ARCHIVE_BASE_URL")
	if archiveBaseURL == "" {
		archiveBaseURL = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load archive store config: %w", err)
	}

	archiveClient = s3.NewFromConfig(cfg)
	return nil
}

// ArchiveEnabled reports whether settlement archival was configured.
func ArchiveEnabled() bool {
	return archiveClient != nil
}

// UploadSettlementArchive stores the canonical settlement document under
// key and returns the object URL.
func UploadSettlementArchive(key string, body []byte) (string, error) {
	if archiveClient == nil {
		return "", fmt.Errorf("settlement archive not configured")
	}

	_, err := archiveClient.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket:      aws.String(archiveBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload settlement archive: %w", err)
	}

	return fmt.Sprintf("%s/%s", archiveBaseURL, key), nil
}
