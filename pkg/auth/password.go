package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// HashPassword hashes a password using Argon2id.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
}

// GenerateSalt returns a random 16-byte salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("auth: generate salt: %w", err)
	}
	return salt, nil
}

// HashedEntry builds a credentials-file entry with a fresh salt, for
// operators who want hashed passwords at rest.
func HashedEntry(username, password string) (UserYAML, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return UserYAML{}, err
	}
	return UserYAML{
		Username:     username,
		PasswordHash: hex.EncodeToString(HashPassword(password, salt)),
		Salt:         hex.EncodeToString(salt),
	}, nil
}
