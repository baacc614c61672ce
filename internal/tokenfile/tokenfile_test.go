package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()

	tok, meta, err := Load("/nonexistent/path/token.json")
	assert.Nil(t, tok)
	assert.Nil(t, meta)
	assert.NoError(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "system.token")

	require.NoError(t, Save(path, &oauth2.Token{AccessToken: "abc", TokenType: "Bearer"}, map[string]string{"k": "v"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	tok, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "v", meta["k"])
}

func TestLoad_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing token field": `{"access_token":"old"}`,
		"decoding":            `{not json}`,
		"empty credentials":   `{"token":{"token_type":"Bearer"}}`,
	}

	for want, body := range cases {
		path := filepath.Join(t.TempDir(), "system.token")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

		tok, _, err := Load(path)
		assert.Nil(t, tok)
		require.Error(t, err)
		assert.Contains(t, err.Error(), want)
	}
}

func TestSave_NilToken(t *testing.T) {
	t.Parallel()

	err := Save(filepath.Join(t.TempDir(), "system.token"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to save nil token")
}

func TestEnsure_GeneratesOnceThenReuses(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "system.token")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := Ensure(path, "alice.example", now)
	require.NoError(t, err)
	assert.Len(t, first, 43)

	second, err := Ensure(path, "alice.example", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00Z", meta[MetaCreated])
	assert.Equal(t, "alice.example", meta[MetaIssuer])
}

func TestEnsure_PropagatesCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "system.token")
	require.NoError(t, os.WriteFile(path, []byte(`{corrupt`), 0o600))

	_, err := Ensure(path, "alice.example", time.Now())
	require.Error(t, err)
}
