package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:      "localhost:9000",
		AccessKey:     "a",
		SecretKey:     "b",
		Region:        "us-east-1",
		BucketInputs:  "validation-inputs",
		BucketOutputs: "validation-outputs",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.BucketOutputs = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty outputs bucket")
	}
}

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("s3://validation-outputs/runs/r1/out.json", "")
	if err != nil {
		t.Fatalf("ParseLocation() err=%v", err)
	}
	if loc.Bucket != "validation-outputs" || loc.Key != "runs/r1/out.json" {
		t.Fatalf("ParseLocation()=%+v", loc)
	}
	if loc.String() != "s3://validation-outputs/runs/r1/out.json" {
		t.Fatalf("String()=%q", loc.String())
	}

	loc, err = ParseLocation("/runs/r1/out.json", "outputs")
	if err != nil {
		t.Fatalf("ParseLocation() bare key err=%v", err)
	}
	if loc.Bucket != "outputs" || loc.Key != "runs/r1/out.json" {
		t.Fatalf("ParseLocation() bare key=%+v", loc)
	}

	for _, raw := range []string{"", "https://host/key", "s3://bucket-only", "s3:///key"} {
		if _, err := ParseLocation(raw, "outputs"); err == nil {
			t.Fatalf("ParseLocation(%q) expected error", raw)
		}
	}
	if _, err := ParseLocation("key", ""); err == nil {
		t.Fatalf("expected error for bare key without default bucket")
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	loc := Location{Bucket: "inputs", Key: "runs/r1/input"}

	if _, _, err := s.Get(ctx, loc); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Get() missing err=%v, want ErrObjectNotFound", err)
	}
	if err := s.Put(ctx, loc, strings.NewReader(`{"a":1}`), 7, "application/json"); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	body, info, err := s.Get(ctx, loc)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	data, _ := io.ReadAll(body)
	if string(data) != `{"a":1}` || info.Size != 7 || info.ContentType != "application/json" {
		t.Fatalf("Get()=%q %+v", data, info)
	}
	if err := s.Delete(ctx, loc); err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	if s.Has(loc) {
		t.Fatalf("object still present after Delete()")
	}
}

func TestOutputsLifecycle(t *testing.T) {
	cfg := OutputsLifecycle(14)
	if len(cfg.Rules) != 1 {
		t.Fatalf("rules=%d, want 1", len(cfg.Rules))
	}
	rule := cfg.Rules[0]
	if rule.Status != "Enabled" || rule.RuleFilter.Prefix != OutputsPrefix {
		t.Fatalf("rule=%+v", rule)
	}
	if int(rule.Expiration.Days) != 14 {
		t.Fatalf("expiration days=%d, want 14", rule.Expiration.Days)
	}
}

func TestConfigValidateRejectsNegativeExpiry(t *testing.T) {
	cfg := Config{
		Endpoint:          "localhost:9000",
		AccessKey:         "a",
		SecretKey:         "b",
		Region:            "us-east-1",
		BucketInputs:      "validation-inputs",
		BucketOutputs:     "validation-outputs",
		OutputsExpiryDays: -1,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error for negative expiry")
	}
}
