package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-validations/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketInputs  string
	BucketOutputs string
	// OutputsExpiryDays expires job output envelopes after that many days;
	// zero keeps them.
	OutputsExpiryDays int
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("ANIMUS_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	expiry, err := env.Int("ANIMUS_MINIO_OUTPUTS_EXPIRY_DAYS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("ANIMUS_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("ANIMUS_MINIO_ACCESS_KEY", "animus"),
		SecretKey:     env.String("ANIMUS_MINIO_SECRET_KEY", "animusminio"),
		Region:        env.String("ANIMUS_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketInputs:  env.String("ANIMUS_MINIO_BUCKET_VALIDATION_INPUTS", "validation-inputs"),
		BucketOutputs: env.String("ANIMUS_MINIO_BUCKET_VALIDATION_OUTPUTS", "validation-outputs"),

		OutputsExpiryDays: expiry,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketInputs) == "" {
		return errors.New("inputs bucket is required")
	}
	if strings.TrimSpace(c.BucketOutputs) == "" {
		return errors.New("outputs bucket is required")
	}
	if c.OutputsExpiryDays < 0 {
		return errors.New("outputs expiry days must be >= 0")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
