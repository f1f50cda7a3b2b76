// Package refcodec turns (source, link) pairs into opaque URL-safe tokens so
// clients never see raw upstream URLs. It is obfuscation, not access control:
// anyone holding the keystream can decode a token.
package refcodec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"mangaverse/pkg/models"
)

// ErrMalformedReference is returned for tokens that are neither a valid
// encoding nor a legacy raw URL.
var ErrMalformedReference = errors.New("malformed reference")

var keystream = []byte("mv:7f3c91d2-opaque-ref-stream:b04e")

var enc = base64.RawURLEncoding

// Encode serializes ref as a compact [source, link] array, XORs it against
// the keystream and returns it base64url encoded without padding.
func Encode(ref models.Reference) string {
	raw, _ := json.Marshal([2]string{ref.Source, ref.Link})
	return enc.EncodeToString(xor(raw))
}

// Decode reverses Encode. Raw absolute or root-relative URLs from before
// tokens existed come back as a reference with an empty source.
func Decode(token string) (*models.Reference, error) {
	token = strings.TrimSpace(token)
	if isRawURL(token) {
		return &models.Reference{Link: token}, nil
	}
	if token == "" {
		return nil, ErrMalformedReference
	}

	raw, err := enc.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, ErrMalformedReference
	}
	var pair [2]string
	if err := json.Unmarshal(xor(raw), &pair); err != nil {
		return nil, ErrMalformedReference
	}
	if pair[1] == "" {
		return nil, ErrMalformedReference
	}
	return &models.Reference{Source: pair[0], Link: pair[1]}, nil
}

func isRawURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		(strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "//"))
}

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ keystream[i%len(keystream)]
	}
	return out
}
