// Package crypt hashes and verifies account passwords. New hashes are
// bcrypt; DES crypt(3) hashes imported from TinyMUSH databases are still
// accepted and flagged for upgrade.
package crypt

import (
	"strings"

	descrypt "github.com/digitive/crypt"
	"golang.org/x/crypto/bcrypt"
)

// Hash returns a bcrypt hash of password.
func Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Check verifies password against stored. upgrade is true when the match
// came from a legacy hash that should be replaced with Hash(password).
func Check(password, stored string) (ok, upgrade bool) {
	if stored == "" {
		return false, false
	}
	if IsBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil, false
	}
	if checkDES(password, stored) {
		return true, true
	}
	return false, false
}

// IsBcrypt reports whether stored looks like a bcrypt hash.
func IsBcrypt(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// DES performs traditional Unix DES crypt(3), as TinyMUSH stored
// crypt(password, "XX").
func DES(password, salt string) string {
	result, err := descrypt.Crypt(password, salt)
	if err != nil {
		return ""
	}
	return result
}

func checkDES(password, stored string) bool {
	if len(stored) != 13 || password == "" {
		return false
	}
	computed := DES(password, stored[:2])
	return computed != "" && computed == stored
}
