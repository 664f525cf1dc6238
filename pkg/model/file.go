package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxFileNameLength keeps the hex-encoded on-disk name, plus temp-file
// suffixes, under common 255-byte filesystem limits.
const MaxFileNameLength = 120

var ErrFileNameEmpty = errors.New("file name must not be empty")
var ErrFileNameTooLong = fmt.Errorf("file name must not exceed %d bytes", MaxFileNameLength)
var ErrFileNameSeparator = errors.New("file name must not contain path separators")
var ErrFileNameRelative = errors.New("file name must not be a relative path component")
var ErrFileNameInvalidChars = errors.New("file name must be valid UTF-8 without control characters")

// ValidateFileName checks that a shared file name is a single opaque path
// element. Separators, "." and "..", and control characters are rejected so
// that no name can escape the file store.
func ValidateFileName(name string) error {
	if name == "" {
		return ErrFileNameEmpty
	}
	if len(name) > MaxFileNameLength {
		return ErrFileNameTooLong
	}
	if strings.ContainsAny(name, `/\`) {
		return ErrFileNameSeparator
	}
	if name == "." || name == ".." {
		return ErrFileNameRelative
	}
	if !utf8.ValidString(name) {
		return ErrFileNameInvalidChars
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrFileNameInvalidChars
		}
	}
	return nil
}
