package secret

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// SubdomainLen is the number of hex characters in a generated subdomain.
const SubdomainLen = 12

// GenerateToken returns 32 random bytes as 64 hex characters.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Subdomain derives a short slug from the owner and the current time. Random
// bytes are mixed in so two deploys in the same instant still differ.
func Subdomain(ownerID string, now time.Time) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate subdomain: %w", err)
	}
	digest := Hash(fmt.Sprintf("%s%d%x", ownerID, now.UnixNano(), salt))
	return digest[:SubdomainLen], nil
}
