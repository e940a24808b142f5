package presence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCredentials(t *testing.T) {
	input := "alice secret\n\n  bob   hunter2  \r\ncarol $2a$10$abcdefghijklmnopqrstuv\n"
	creds, err := LoadCredentials(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []Credential{
		{Username: "alice", Password: "secret"},
		{Username: "bob", Password: "hunter2"},
		{Username: "carol", Password: "$2a$10$abcdefghijklmnopqrstuv"},
	}, creds)
}

func TestLoadCredentialsErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "single field", input: "alice\n", wantErr: ErrMalformedCredentials},
		{name: "three fields", input: "alice pw extra\n", wantErr: ErrMalformedCredentials},
		{name: "duplicate", input: "alice a\nbob b\nalice c\n", wantErr: ErrDuplicateUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCredentials(strings.NewReader(tt.input))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadCredentialsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice a\nbob b\n"), 0o600))

	creds, err := LoadCredentialsFile(path)
	require.NoError(t, err)
	assert.Len(t, creds, 2)

	_, err = LoadCredentialsFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSecretMatches(t *testing.T) {
	plain := newSecret("pw")
	assert.True(t, plain.matches("pw"))
	assert.False(t, plain.matches("pW"))
	assert.False(t, plain.matches(""))

	assert.True(t, newSecret("$2b$04$x").bcrypt)
	assert.True(t, newSecret("$2y$04$x").bcrypt)
	assert.False(t, newSecret("$1$salt$x").bcrypt)
	assert.False(t, newSecret("$2b$04$x").matches("$2b$04$x"), "malformed hash never matches")
}
