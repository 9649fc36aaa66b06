// Package b64u is the base64url codec used on every wire and storage boundary.
// Encoding never pads; decoding accepts both padded and unpadded input.
package b64u

import (
	"encoding/base64"
	"fmt"
	"strings"

	"tatchi/internal/vrferr"
)

// Encode returns the unpadded base64url form of b.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses unpadded or padded base64url.
func Decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "=") {
		b, err := base64.URLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", vrferr.ErrBase64Decode, err)
		}
		return b, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vrferr.ErrBase64Decode, err)
	}
	return b, nil
}

// DecodeLen decodes s and requires exactly n bytes.
func DecodeLen(s string, n int) ([]byte, error) {
	b, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", vrferr.ErrInvalidInput, n, len(b))
	}
	return b, nil
}
