// Package auth handles the admin API token and credential fingerprints.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const tokenLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken creates a random 32-character alphanumeric admin token
// and writes it to dataDir/admin_token with permissions 0600.
func GenerateToken(dataDir string) (string, error) {
	token, err := randomAlphanumeric(tokenLength)
	if err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}

	path := tokenPath(dataDir)
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("writing token to %s: %w", path, err)
	}

	return token, nil
}

// LoadOrGenerateToken returns the admin token using this priority:
//  1. preset (normally CHATRELAY_ADMIN_TOKEN), also written to disk
//  2. Existing token file on disk
//  3. Newly generated token
func LoadOrGenerateToken(dataDir, preset string) (string, error) {
	if preset = strings.TrimSpace(preset); preset != "" {
		path := tokenPath(dataDir)
		if err := os.WriteFile(path, []byte(preset), 0600); err != nil {
			return "", fmt.Errorf("writing token to %s: %w", path, err)
		}
		return preset, nil
	}

	path := tokenPath(dataDir)
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	return GenerateToken(dataDir)
}

// ReadToken returns the admin token stored in dataDir, if any.
func ReadToken(dataDir string) (string, error) {
	data, err := os.ReadFile(tokenPath(dataDir))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ValidateToken compares a candidate token against the expected one in
// constant time. An empty expected token never validates.
func ValidateToken(expected, candidate string) bool {
	expected = strings.TrimSpace(expected)
	candidate = strings.TrimSpace(candidate)
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1
}

// Fingerprint returns a short, stable, non-reversible identifier for a peer
// credential. It is what logs and the store carry instead of the secret.
func Fingerprint(credential string) string {
	sum := blake2b.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "admin_token")
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
