package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

func errSignature(msg string) error {
	return apperr.New(apperr.KindAuth, apperr.CodeInvalidSignature, msg)
}

func hmacHex(secret string, parts ...[]byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		m.Write(p)
	}
	return hex.EncodeToString(m.Sum(nil))
}

// SignCardPayload produces a header value in the `t=<unix>,v1=<hex>` form the
// card provider sends.
func SignCardPayload(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hmacHex(secret, []byte(ts), []byte("."), payload)
}

// verifyCardSignature checks the header against payload. Several v1 entries
// may be present during secret rotation; any match is accepted.
func verifyCardSignature(secret string, payload []byte, header string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return errSignature("webhook secret not configured")
	}
	if header == "" {
		return errSignature("missing signature header")
	}

	var (
		ts   string
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return errSignature("malformed signature header")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errSignature("malformed signature timestamp")
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return errSignature("signature timestamp outside tolerance")
		}
	}

	want := hmacHex(secret, []byte(ts), []byte("."), payload)
	for _, s := range sigs {
		if hmac.Equal([]byte(want), []byte(s)) {
			return nil
		}
	}
	return errSignature("signature mismatch")
}

// SignWalletPayload is the hex HMAC-SHA256 of the raw body.
func SignWalletPayload(secret string, payload []byte) string {
	return hmacHex(secret, payload)
}

func verifyWalletSignature(secret string, payload []byte, header string) error {
	if secret == "" {
		return errSignature("webhook secret not configured")
	}
	if header == "" {
		return errSignature("missing signature header")
	}
	want := SignWalletPayload(secret, payload)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(header)))) {
		return errSignature("signature mismatch")
	}
	return nil
}
