package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func capture(t *testing.T, stdin string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevIn := output, input
	output, input = &buf, strings.NewReader(stdin)
	t.Cleanup(func() { output, input = prevOut, prevIn })
	return &buf
}

func TestHashAPIKey(t *testing.T) {
	hash, err := hashAPIKey("  correct-horse-battery  ", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct-horse-battery")))

	_, err = hashAPIKey("short", bcrypt.MinCost)
	assert.Error(t, err)

	_, err = hashAPIKey("correct-horse-battery", 99)
	assert.Error(t, err)
}

func TestHashKeyCommand(t *testing.T) {
	t.Run("positional key", func(t *testing.T) {
		out := capture(t, "")
		require.NoError(t, run([]string{"hash-key", "--cost", "4", "correct-horse-battery"}))

		hash := strings.TrimSpace(out.String())
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct-horse-battery")))
	})

	t.Run("key from stdin", func(t *testing.T) {
		out := capture(t, "piped-key-0123456789\n")
		require.NoError(t, run([]string{"--json", "hash-key", "--cost", "4"}))

		var body map[string]string
		require.NoError(t, json.Unmarshal(out.Bytes(), &body))
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(body["hash"]), []byte("piped-key-0123456789")))
	})
}

func TestClassifyCommand(t *testing.T) {
	out := capture(t, "")
	require.NoError(t, run([]string{"--json", "classify", "--base-url", "https://wiki.example.org/",
		"https://www.google.de/search?q=dokuwiki+plugins"}))

	var result map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, "search", result["kind"])
	assert.Equal(t, "google", result["engine"])
	assert.Equal(t, "dokuwiki plugins", result["query"])

	out.Reset()
	require.NoError(t, run([]string{"classify", "--base-url", "https://wiki.example.org/", "https://wiki.example.org/doku.php?id=start"}))
	assert.Contains(t, out.String(), "kind:   internal")
}

func TestEnginesCommand(t *testing.T) {
	out := capture(t, "")
	require.NoError(t, run([]string{"engines", "--base-url", "https://wiki.example.org/"}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Greater(t, len(lines), 2)
	assert.True(t, strings.HasPrefix(lines[0], "KEY"))
	assert.True(t, strings.HasPrefix(lines[1], "google"))
	assert.Contains(t, out.String(), "dokuwiki")
}

func TestPurgeCommandRequiresConfirmation(t *testing.T) {
	capture(t, "nope\n")
	err := run([]string{"purge", "--days", "30"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation")
}
