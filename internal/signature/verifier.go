// Package signature authenticates webhook deliveries signed with the
// stripe-signature scheme: "t=<unix>,v1=<hex hmac>[,v1=...]" where each v1
// digest is HMAC-SHA256(secret, "<t>.<raw body>").
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"payment-reconciler/internal/apperr"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderName = "Stripe-Signature"

	DefaultTolerance = 5 * time.Minute

	scheme = "v1"
)

type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

type Option func(*Verifier)

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

func NewVerifier(secret string, tolerance time.Duration, opts ...Option) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	v := &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks header against body. It never mutates anything, so a
// delivery rejected for clock skew can simply be retried.
func (v *Verifier) Verify(header string, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("no webhook secret configured: %w", apperr.ErrSignatureInvalid)
	}

	ts, digests, err := parseHeader(header)
	if err != nil {
		return err
	}

	age := v.now().Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		return fmt.Errorf("timestamp outside tolerance (%s): %w", age.Truncate(time.Second), apperr.ErrSignatureInvalid)
	}

	expected := computeMAC(v.secret, ts, body)
	for _, d := range digests {
		if hmac.Equal(expected, d) {
			return nil
		}
	}

	return fmt.Errorf("no matching digest: %w", apperr.ErrSignatureInvalid)
}

// Sign builds a header value for body at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	mac := computeMAC([]byte(secret), ts, body)
	return fmt.Sprintf("t=%d,%s=%s", ts.Unix(), scheme, hex.EncodeToString(mac))
}

func computeMAC(secret []byte, ts time.Time, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

func parseHeader(header string) (time.Time, [][]byte, error) {
	if header == "" {
		return time.Time{}, nil, fmt.Errorf("missing %s header: %w", HeaderName, apperr.ErrSignatureInvalid)
	}

	var (
		ts      time.Time
		haveTS  bool
		digests [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			unix, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return time.Time{}, nil, fmt.Errorf("bad timestamp %q: %w", value, apperr.ErrSignatureInvalid)
			}
			ts = time.Unix(unix, 0)
			haveTS = true
		case scheme:
			d, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			digests = append(digests, d)
		}
	}

	if !haveTS {
		return time.Time{}, nil, fmt.Errorf("header has no timestamp: %w", apperr.ErrSignatureInvalid)
	}
	if len(digests) == 0 {
		return time.Time{}, nil, fmt.Errorf("header has no %s digest: %w", scheme, apperr.ErrSignatureInvalid)
	}

	return ts, digests, nil
}
