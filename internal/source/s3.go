package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agentic-research/stagetree/api"
	"github.com/agentic-research/stagetree/internal/stage"
)

// S3Config holds connection settings for an S3-compatible staging bucket.
type S3Config struct {
	Endpoint  string // empty for AWS
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// S3 lists a bucket prefix and folds the keys into a tree. Keys ending in
// "/" are directory markers and create (possibly empty) collections.
type S3 struct {
	Client s3.ListObjectsV2APIClient
	Bucket string
	Prefix string
}

// NewS3 builds an S3 source with static credentials when given, or the
// default AWS credential chain otherwise.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO and most on-prem gateways
		}
	})
	return &S3{Client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

func (s *S3) Name() string { return "s3" }

func (s *S3) Stage(ctx context.Context) (*stage.Mapping, []string, error) {
	prefix := s.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	root := stage.NewMapping()
	var warnings []string
	p := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("list s3://%s/%s: %w", s.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if key == "" {
				continue
			}
			if strings.HasSuffix(key, "/") {
				if w := insert(root, key, nil); w != "" {
					warnings = append(warnings, w)
				}
				continue
			}

			name := key
			if i := strings.LastIndex(key, "/"); i >= 0 {
				name = key[i+1:]
			}
			attrs := map[string]any{
				"name":        name,
				"path":        key,
				"object_type": api.ObjectTypeDataObject,
				"size":        aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				attrs["modified"] = obj.LastModified.UTC()
			}
			if obj.ETag != nil {
				attrs["etag"] = strings.Trim(aws.ToString(obj.ETag), `"`)
			}
			if w := insert(root, key, stage.Leaf(attrs)); w != "" {
				warnings = append(warnings, w)
			}
		}
	}
	return root, warnings, nil
}
