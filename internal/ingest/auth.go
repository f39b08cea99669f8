package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Signer produces API-Sign headers for private REST endpoints. The
// signature is HMAC-SHA512(path + SHA256(nonce + body)) keyed with the
// base64-decoded secret.
type Signer struct {
	apiKey string
	secret []byte

	mu        sync.Mutex
	lastNonce int64
}

// NewSigner decodes the base64 API secret. Fails fast on a malformed
// secret so a bad credential never reaches the wire.
func NewSigner(apiKey, apiSecret string) (*Signer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrCredentialsMissing
	}
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid API secret encoding: %w", err)
	}
	return &Signer{apiKey: apiKey, secret: secret}, nil
}

// APIKey returns the key for the API-Key header
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Nonce returns a strictly increasing millisecond nonce
func (s *Signer) Nonce() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := time.Now().UnixMilli()
	if n <= s.lastNonce {
		n = s.lastNonce + 1
	}
	s.lastNonce = n
	return n
}

// Sign computes the API-Sign header value for a private request
func (s *Signer) Sign(path string, nonce int64, body string) string {
	inner := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + body))

	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
