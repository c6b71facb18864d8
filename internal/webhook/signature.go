package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC signature of the request body.
//
// Format: X-Greeting-Signature: t=<unix>,v1=<hex hmac-sha256("<unix>.<body>")>
const SignatureHeader = "X-Greeting-Signature"

var (
	// ErrSignatureMalformed is returned when the header cannot be parsed.
	ErrSignatureMalformed = errors.New("webhook signature: malformed header")
	// ErrSignatureMismatch is returned when no signature matches the body.
	ErrSignatureMismatch = errors.New("webhook signature: mismatch")
	// ErrSignatureExpired is returned when the timestamp is outside tolerance.
	ErrSignatureExpired = errors.New("webhook signature: timestamp outside tolerance")
)

// Signer signs and verifies webhook bodies with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer, or nil when secret is empty so callers can
// treat a nil *Signer as "signing disabled".
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign returns the header value for payload at now.
func (s *Signer) Sign(payload []byte, now time.Time) string {
	ts := now.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, s.compute(ts, payload))
}

// Verify checks header against payload. A non-zero tolerance rejects
// timestamps further than tolerance from now.
func (s *Signer) Verify(payload []byte, header string, now time.Time, tolerance time.Duration) error {
	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrSignatureExpired
		}
	}

	expected := s.compute(ts, payload)
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

func (s *Signer) compute(ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignatureHeader extracts the timestamp and every v1 value. Unknown
// keys are ignored so a future scheme can be added alongside v1.
func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		ts    int64
		hasTS bool
		sigs  []string
	)
	for _, segment := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(segment), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrSignatureMalformed)
			}
			ts, hasTS = n, true
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if !hasTS || len(sigs) == 0 {
		return 0, nil, ErrSignatureMalformed
	}
	return ts, sigs, nil
}
