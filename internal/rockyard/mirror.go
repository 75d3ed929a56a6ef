package rockyard

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectMirror is a store of release archives keyed by file name, consulted
// after every HTTP location has failed.
type ObjectMirror interface {
	Describe() string
	Fetch(ctx context.Context, key string, w io.Writer) error
}

// S3Mirror keeps release archives in an S3-compatible bucket (AWS, R2, MinIO).
type S3Mirror struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3Mirror builds a mirror client from settings. It returns nil, nil when
// no bucket is configured.
func NewS3Mirror(ctx context.Context, s *Settings) (*S3Mirror, error) {
	if s.S3Bucket == "" {
		return nil, nil
	}
	region := s.S3Region
	if region == "" {
		region = "auto"
	}
	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if s.S3AccessKeyID != "" || s.S3SecretAccessKey != "" {
		if s.S3AccessKeyID == "" || s.S3SecretAccessKey == "" {
			return nil, fmt.Errorf("S3 credentials incomplete: both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY are required")
		}
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.S3AccessKeyID, s.S3SecretAccessKey, "")))
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(s.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Mirror{Client: client, Bucket: s.S3Bucket, Prefix: s.S3Prefix}, nil
}

func (m *S3Mirror) key(name string) string {
	if m.Prefix == "" {
		return name
	}
	return strings.TrimSuffix(m.Prefix, "/") + "/" + name
}

func (m *S3Mirror) Describe() string {
	return "s3://" + m.Bucket + "/" + m.key("")
}

// Fetch streams the object for key into w.
func (m *S3Mirror) Fetch(ctx context.Context, key string, w io.Writer) error {
	out, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.key(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s from mirror: %w", key, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read %s from mirror: %w", key, err)
	}
	return nil
}

// existing lists the names already present below the mirror prefix.
func (m *S3Mirror) existing(ctx context.Context) (map[string]bool, error) {
	names := make(map[string]bool)
	paginator := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.Bucket),
		Prefix: aws.String(m.key("")),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			names[strings.TrimPrefix(aws.ToString(obj.Key), m.key(""))] = true
		}
	}
	return names, nil
}

// Push uploads every verified release archive in the downloads directory
// that the mirror does not have yet. It returns the number uploaded.
func (m *S3Mirror) Push(ctx context.Context, downloads string, store ChecksumStore) (int, error) {
	have, err := m.existing(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list mirror: %w", err)
	}
	entries, err := os.ReadDir(downloads)
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || have[name] {
			continue
		}
		want, ok := store.forFile(name)
		if !ok {
			debugf("Skipping %s: not a known release archive\n", name)
			continue
		}
		path := filepath.Join(downloads, name)
		if err := verifyFile(path, want); err != nil {
			colArrow.Print("-> ")
			colWarn.Printf("Skipping %s: %v\n", name, err)
			continue
		}
		if err := m.upload(ctx, name, path); err != nil {
			return uploaded, err
		}
		step("Uploaded %s", name)
		uploaded++
	}
	return uploaded, nil
}

func (m *S3Mirror) upload(ctx context.Context, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.Bucket),
		Key:           aws.String(m.key(name)),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return nil
}
