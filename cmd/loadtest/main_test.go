package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/presence"
)

func TestWriteBotCredentialsLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.txt")
	require.NoError(t, writeBotCredentials(path, 25))

	creds, err := presence.LoadCredentialsFile(path)
	require.NoError(t, err)
	require.Len(t, creds, 25)
	assert.Equal(t, "bot0000", creds[0].Username)
	assert.Equal(t, "bot0024", creds[24].Username)
	assert.Len(t, creds[0].Password, 12)
}

func TestRandomText(t *testing.T) {
	for i := 0; i < 50; i++ {
		words := strings.Fields(randomText(3, 5))
		assert.GreaterOrEqual(t, len(words), 3)
		assert.LessOrEqual(t, len(words), 5)
	}
}
