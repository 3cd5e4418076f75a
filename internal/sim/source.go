package sim

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vango-dev/datarouter/internal/config"
	"github.com/vango-dev/datarouter/pkg/discovery"
)

// NewSource returns the manifest source selected by cfg: an S3 bucket when
// cfg.Manifests.S3 is set, otherwise the manifest directory.
func NewSource(cfg *config.Config) discovery.Source {
	if s := cfg.Manifests.S3; s != nil {
		return discovery.S3Source{
			Client: newS3Client(s),
			Bucket: s.Bucket,
			Prefix: s.Prefix,
		}
	}
	return discovery.FSSource{FS: os.DirFS(cfg.ManifestsPath())}
}

func newS3Client(c *config.S3Config) *s3.Client {
	opts := s3.Options{
		Region:       c.Region,
		UsePathStyle: c.UsePathStyle,
		Credentials:  envCredentials(),
	}
	if c.Endpoint != "" {
		opts.BaseEndpoint = aws.String(c.Endpoint)
	}
	return s3.New(opts)
}

// envCredentials reads static keys from the standard AWS environment
// variables. Public buckets are read anonymously when none are set.
func envCredentials() aws.CredentialsProvider {
	id := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return aws.AnonymousCredentials{}
	}
	session := os.Getenv("AWS_SESSION_TOKEN")
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    session,
			Source:          "EnvironmentVariables",
		}, nil
	})
}
