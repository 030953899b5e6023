package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	webhookdomain "github.com/stencilworks/tally/internal/webhook/domain"
)

// verifySignature checks a `t=<unix>,v1=<hex>` header: HMAC-SHA256 of
// "<t>.<payload>" under the shared secret, with the signed timestamp bounded
// by tolerance in either direction.
func verifySignature(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return webhookdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return webhookdomain.ErrInvalidSignature
	}

	signedAt := time.Unix(timestamp, 0)
	if diff := now.Sub(signedAt); diff > tolerance || diff < -tolerance {
		return webhookdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return webhookdomain.ErrInvalidSignature
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var timestamp int64
	var signatures []string
	sawTimestamp := false

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, err
			}
			timestamp = parsed
			sawTimestamp = true
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}

	if !sawTimestamp || len(signatures) == 0 {
		return 0, nil, webhookdomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}

// SignPayload builds a valid signature header for a payload. Used by tests
// and local tooling to emulate provider deliveries.
func SignPayload(secret string, payload []byte, signedAt time.Time) string {
	timestamp := signedAt.Unix()
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
