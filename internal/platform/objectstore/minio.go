package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// OutputsPrefix is the key prefix job envelopes are written under.
const OutputsPrefix = "runs/"

const outputsExpiryRuleID = "validations-outputs-expiry"

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	})
}

// EnsureBuckets creates the input and output buckets and, when configured,
// installs the expiry rule on job outputs.
func EnsureBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	for _, b := range []struct{ kind, name string }{
		{"inputs", cfg.BucketInputs},
		{"outputs", cfg.BucketOutputs},
	} {
		exists, err := client.BucketExists(ctx, b.name)
		if err != nil {
			return fmt.Errorf("ensure %s bucket: %w", b.kind, err)
		}
		if exists {
			continue
		}
		if err := client.MakeBucket(ctx, b.name, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return fmt.Errorf("ensure %s bucket: %w", b.kind, err)
		}
	}
	if cfg.OutputsExpiryDays > 0 {
		if err := client.SetBucketLifecycle(ctx, cfg.BucketOutputs, OutputsLifecycle(cfg.OutputsExpiryDays)); err != nil {
			return fmt.Errorf("set outputs lifecycle: %w", err)
		}
	}
	return nil
}

// OutputsLifecycle expires envelopes under OutputsPrefix after days.
func OutputsLifecycle(days int) *lifecycle.Configuration {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{{
		ID:         outputsExpiryRuleID,
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: OutputsPrefix},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
	}}
	return cfg
}

// CheckBuckets is the readiness probe for the object store.
func CheckBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	for _, bucket := range []string{cfg.BucketInputs, cfg.BucketOutputs} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
	}
	return nil
}
