package main

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/parley/pkg/auth"
)

// printHashedEntry prints a credentials file fragment for pair, given as
// "user:password", with an argon2id hash in place of the password.
func printHashedEntry(pair string) error {
	username, password, ok := strings.Cut(pair, ":")
	if !ok || username == "" {
		return errors.New("expected user:password")
	}
	entry, err := auth.HashedEntry(username, password)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(auth.CredentialsFile{Users: []auth.UserYAML{entry}})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
