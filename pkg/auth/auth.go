// Package auth provides the credential store sessions authenticate against.
//
// Credentials are a small fixed table compared by exact match. Cleartext
// entries are the default and are not a security boundary; an operator may
// opt in to argon2id-hashed entries per user in the credentials file.
package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/parley/pkg/model"
)

// Checker answers whether a username/password pair is accepted.
type Checker interface {
	Check(username, password string) bool
}

var ErrDuplicateUser = errors.New("duplicate username")
var ErrNoPassword = errors.New("entry has neither password nor password_hash")

// UserYAML is one entry of the credentials file.
type UserYAML struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"` // hex argon2id key
	Salt         string `yaml:"salt,omitempty"`          // hex salt for PasswordHash
}

// CredentialsFile is the top-level YAML document.
type CredentialsFile struct {
	Users []UserYAML `yaml:"users"`
}

type entry struct {
	password string
	hash     []byte
	salt     []byte
}

// Static is an immutable in-memory credential table. Safe for concurrent use.
type Static struct {
	users map[string]entry
}

// NewStatic builds a cleartext table from a username -> password map.
func NewStatic(users map[string]string) (*Static, error) {
	s := &Static{users: make(map[string]entry, len(users))}
	for name, pass := range users {
		if err := model.ValidateUsername(name); err != nil {
			return nil, fmt.Errorf("auth: user %q: %w", name, err)
		}
		s.users[name] = entry{password: pass}
	}
	return s, nil
}

// Default returns the built-in demo accounts user1..user5 with password "1234".
func Default() *Static {
	s, _ := NewStatic(map[string]string{
		"user1": "1234",
		"user2": "1234",
		"user3": "1234",
		"user4": "1234",
		"user5": "1234",
	})
	return s
}

// LoadFile reads a YAML credentials file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err != nil {
		return nil, fmt.Errorf("auth: read credentials: %w", err)
	}
	return Parse(data)
}

// Parse builds a table from YAML credentials data.
func Parse(data []byte) (*Static, error) {
	var file CredentialsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("auth: parse credentials: %w", err)
	}

	s := &Static{users: make(map[string]entry, len(file.Users))}
	for _, u := range file.Users {
		if err := model.ValidateUsername(u.Username); err != nil {
			return nil, fmt.Errorf("auth: user %q: %w", u.Username, err)
		}
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("auth: user %q: %w", u.Username, ErrDuplicateUser)
		}

		var e entry
		switch {
		case u.PasswordHash != "":
			hash, err := hex.DecodeString(u.PasswordHash)
			if err != nil {
				return nil, fmt.Errorf("auth: user %q: password_hash: %w", u.Username, err)
			}
			salt, err := hex.DecodeString(u.Salt)
			if err != nil {
				return nil, fmt.Errorf("auth: user %q: salt: %w", u.Username, err)
			}
			e = entry{hash: hash, salt: salt}
		case u.Password != "":
			e = entry{password: u.Password}
		default:
			return nil, fmt.Errorf("auth: user %q: %w", u.Username, ErrNoPassword)
		}
		s.users[u.Username] = e
	}
	return s, nil
}

// Check reports whether password is correct for username.
func (s *Static) Check(username, password string) bool {
	e, ok := s.users[username]
	if !ok {
		return false
	}
	if e.hash != nil {
		got := HashPassword(password, e.salt)
		return subtle.ConstantTimeCompare(got, e.hash) == 1
	}
	return e.password == password
}

// Len returns the number of known users.
func (s *Static) Len() int {
	return len(s.users)
}

var _ Checker = (*Static)(nil)
