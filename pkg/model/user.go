// Package model holds the naming rules shared by the parley server, its
// credential loaders and the client: who may appear on the chat roster and
// what a shared file may be called.
package model

import (
	"errors"
	"fmt"
)

// MaxUsernameLength bounds a roster entry. It also keeps a login request,
// and every frame that carries a sender name, small.
const MaxUsernameLength = 32

var (
	ErrUsernameEmpty        = errors.New("username must not be empty")
	ErrUsernameTooLong      = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
	ErrUsernameInvalidChars = errors.New("username must contain only letters, digits, underscores or hyphens")
)

// ValidateUsername reports whether name can be registered as a chat user.
// The colon is excluded because login credentials are "user:password".
func ValidateUsername(name string) error {
	switch {
	case name == "":
		return ErrUsernameEmpty
	case len(name) > MaxUsernameLength:
		return ErrUsernameTooLong
	}
	for i := 0; i < len(name); i++ {
		if !isUsernameByte(name[i]) {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

func isUsernameByte(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	default:
		return b == '_' || b == '-'
	}
}
