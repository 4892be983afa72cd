package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// CredentialPrefix marks live reseller keys.
	CredentialPrefix = "sk_live_"
	secretBytes      = 32
	credentialLength = len(CredentialPrefix) + secretBytes*2
	displayPrefixLen = 12
)

// ValidateFormat reports whether s has the shape sk_live_ followed by 64
// lowercase hex characters.
func ValidateFormat(s string) bool {
	if len(s) != credentialLength || !strings.HasPrefix(s, CredentialPrefix) {
		return false
	}
	for _, r := range s[len(CredentialPrefix):] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// HashCredential returns the lowercase hex SHA-256 digest stored for a key.
func HashCredential(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix is the non-secret head of a key shown in listings.
func DisplayPrefix(secret string) string {
	if len(secret) <= displayPrefixLen {
		return secret
	}
	return secret[:displayPrefixLen]
}

// ExtractCredential pulls the key out of an Authorization header value. Both
// "Bearer <key>" and a bare key are accepted.
func ExtractCredential(header string) string {
	header = strings.TrimSpace(header)
	if scheme, rest, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(rest)
	}
	return header
}

// Generate mints a new credential. Only the hash and prefix are meant to be
// persisted; the secret is shown to the caller once.
func Generate() (secret, hash, prefix string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate credential: %w", err)
	}
	secret = CredentialPrefix + hex.EncodeToString(buf)
	return secret, HashCredential(secret), DisplayPrefix(secret), nil
}
