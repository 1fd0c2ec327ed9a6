package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Login tokens are opaque high-entropy strings. The server stores only a
// digest; the plaintext token exists once, in the create_token response.
const tokenRawLen = 32

// NewToken generates a fresh token and the digest to store for it.
func NewToken() (token, digest string, err error) {
	raw := make([]byte, tokenRawLen)
	if _, err = rand.Read(raw); err != nil {
		return "", "", err
	}
	token = base64.URLEncoding.EncodeToString(raw)
	return token, TokenDigest(token), nil
}

// TokenDigest returns the stored form of a plaintext token.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyToken compares a plaintext token against a stored digest in constant
// time.
func VerifyToken(token, digest string) bool {
	sum := TokenDigest(token)
	return subtle.ConstantTimeCompare([]byte(sum), []byte(digest)) == 1
}
