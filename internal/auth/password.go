package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MaxSecretLength bounds input to bcrypt
	MaxSecretLength = 128
)

// SecretManager hashes and verifies operator secrets
type SecretManager struct {
	bcryptCost int
}

// NewSecretManager creates a secret manager
func NewSecretManager(bcryptCost int) *SecretManager {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = DefaultBcryptCost
	}
	return &SecretManager{bcryptCost: bcryptCost}
}

// Hash hashes an operator secret using bcrypt
func (s *SecretManager) Hash(secret string) (string, error) {
	if len(secret) > MaxSecretLength {
		return "", fmt.Errorf("secret too long")
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(bytes), nil
}

// Verify checks a secret against a stored hash
func (s *SecretManager) Verify(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
