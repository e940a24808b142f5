package presence

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMalformedCredentials = errors.New("malformed credential line")
	ErrDuplicateUser        = errors.New("duplicate username")
)

// Credential is one (username, password) pair from the credential source.
// Password is either plain text or a bcrypt hash.
type Credential struct {
	Username string
	Password string
}

// LoadCredentials parses newline-delimited "username password" pairs. Blank
// lines are skipped; any other line must have exactly two fields.
func LoadCredentials(r io.Reader) ([]Credential, error) {
	var creds []Credential
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: %w", lineNo, ErrMalformedCredentials)
		}
		if seen[fields[0]] {
			return nil, fmt.Errorf("line %d: %w %q", lineNo, ErrDuplicateUser, fields[0])
		}
		seen[fields[0]] = true
		creds = append(creds, Credential{Username: fields[0], Password: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return creds, nil
}

// LoadCredentialsFile opens path and parses it with LoadCredentials.
func LoadCredentialsFile(path string) ([]Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}
	defer f.Close()

	creds, err := LoadCredentials(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return creds, nil
}

// secret is the opaque compare value for a password.
type secret struct {
	value  []byte
	bcrypt bool
}

func newSecret(password string) secret {
	return secret{
		value:  []byte(password),
		bcrypt: isBcryptHash(password),
	}
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func (s secret) matches(password string) bool {
	if s.bcrypt {
		return bcrypt.CompareHashAndPassword(s.value, []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare(s.value, []byte(password)) == 1
}
