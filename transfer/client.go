package transfer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Client is the subset of the S3 API used by transfers. *s3.Client implements it.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ Client = (*s3.Client)(nil)

// Env keys read by S3ParamsFromEnv.
const (
	RegionEnvKey          = "AWS_REGION"
	AccessKeyIDEnvKey     = "AWS_ACCESS_KEY_ID"
	SecretAccessKeyEnvKey = "AWS_SECRET_ACCESS_KEY"
	EndpointEnvKey        = "S3TRANSFER_ENDPOINT"
	PathStyleEnvKey       = "S3TRANSFER_PATH_STYLE"
)

// S3Params ...
type S3Params struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint, for S3 compatible services.
	Endpoint     string
	UsePathStyle bool
}

// S3ParamsFromEnv ...
func S3ParamsFromEnv(envRepo env.Repository) (S3Params, error) {
	params := S3Params{
		Region:          envRepo.Get(RegionEnvKey),
		AccessKeyID:     envRepo.Get(AccessKeyIDEnvKey),
		SecretAccessKey: envRepo.Get(SecretAccessKeyEnvKey),
		Endpoint:        envRepo.Get(EndpointEnvKey),
	}

	if value := envRepo.Get(PathStyleEnvKey); value != "" {
		pathStyle, err := strconv.ParseBool(value)
		if err != nil {
			return S3Params{}, fmt.Errorf("parse %s: %w", PathStyleEnvKey, err)
		}
		params.UsePathStyle = pathStyle
	}

	return params, nil
}

// NewS3Client creates an S3 client from the given params.
// Without static credentials the default AWS credential chain is used.
func NewS3Client(ctx context.Context, params S3Params, logger log.Logger) (*s3.Client, error) {
	if params.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(ctx, params.loadOptions(logger)...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, params.applyTo), nil
}

func (p S3Params) loadOptions(logger log.Logger) []func(*config.LoadOptions) error {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(p.Region),
	}

	switch {
	case p.AccessKeyID != "" && p.SecretAccessKey != "":
		logger.Debugf("Using static AWS credentials for region %s", p.Region)
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.AccessKeyID, p.SecretAccessKey, "")))
	case p.AccessKeyID != "" || p.SecretAccessKey != "":
		logger.Warnf("Only one of %s and %s is set, falling back to the default credential chain", AccessKeyIDEnvKey, SecretAccessKeyEnvKey)
	}

	return opts
}

// applyTo points the client at a custom endpoint, if any.
func (p S3Params) applyTo(o *s3.Options) {
	if p.Endpoint != "" {
		o.BaseEndpoint = aws.String(p.Endpoint)
	}
	o.UsePathStyle = p.UsePathStyle
}
