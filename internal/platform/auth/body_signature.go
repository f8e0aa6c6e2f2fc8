package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers carried by worker-to-service requests (job callbacks and direct
// dispatch). The signature covers the timestamp, method and body digest.
const (
	HeaderBodyTimestamp = "X-Validations-Ts"
	HeaderBodySignature = "X-Validations-Sig"
)

var ErrBadSignature = errors.New("invalid signature")

func ComputeBodyMAC(secret, ts, method string, body []byte) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return nil, errors.New("timestamp is required")
	}

	sum := sha256.Sum256(body)
	msg := strings.Join([]string{
		ts,
		strings.ToUpper(strings.TrimSpace(method)),
		hex.EncodeToString(sum[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

// SignRequest sets the timestamp and signature headers on req for body.
func SignRequest(req *http.Request, secret string, body []byte, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	mac, err := ComputeBodyMAC(secret, ts, req.Method, body)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderBodyTimestamp, ts)
	req.Header.Set(HeaderBodySignature, base64.RawURLEncoding.EncodeToString(mac))
	return nil
}

// VerifyRequest checks the signature headers of r against body.
func VerifyRequest(r *http.Request, secret string, body []byte, now time.Time, maxSkew time.Duration) error {
	ts := strings.TrimSpace(r.Header.Get(HeaderBodyTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderBodySignature))
	if ts == "" || sig == "" {
		return ErrUnauthenticated
	}
	if err := VerifyTimestamp(ts, now, maxSkew); err != nil {
		return err
	}
	expected, err := ComputeBodyMAC(secret, ts, r.Method, body)
	if err != nil {
		return err
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(expected, got) {
		return ErrBadSignature
	}
	return nil
}

// DeriveKey scopes secret to one purpose such as a single callback id.
func DeriveKey(secret, scope string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	_, _ = mac.Write([]byte("validations.scope.v1\n" + strings.TrimSpace(scope)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
