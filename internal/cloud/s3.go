package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the part of the S3 client the report archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReportArchive uploads periodic fleet analytics reports to S3.
type ReportArchive struct {
	svc    ObjectPutter
	bucket string
	prefix string
}

func NewReportArchive(cfg aws.Config, bucket, prefix string) *ReportArchive {
	return NewReportArchiveWithClient(s3.NewFromConfig(cfg), bucket, prefix)
}

func NewReportArchiveWithClient(svc ObjectPutter, bucket, prefix string) *ReportArchive {
	if prefix == "" {
		prefix = "reports/analytics"
	}
	return &ReportArchive{svc: svc, bucket: bucket, prefix: prefix}
}

// ReportKey is the object key of a report generated at t.
func (r *ReportArchive) ReportKey(t time.Time) string {
	t = t.UTC()
	return path.Join(r.prefix, t.Format("2006/01/02"), t.Format("150405")+".json")
}

// UploadReport stores report as JSON and returns its key.
func (r *ReportArchive) UploadReport(ctx context.Context, report any, at time.Time) (string, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	key := r.ReportKey(at)
	_, err = r.svc.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"generated-at": at.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return key, nil
}
