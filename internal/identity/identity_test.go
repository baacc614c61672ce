package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Normalizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{"frodo.dotyou.cloud", "frodo.dotyou.cloud"},
		{"  Frodo.DotYou.Cloud  ", "frodo.dotyou.cloud"},
		{"sam.example.com.", "sam.example.com"},
		{"a-b.c0", "a-b.c0"},
	}

	for _, tt := range tests {
		id, err := New(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, id.String())
	}
}

func TestNew_Rejects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"localhost",
		"-bad.example.com",
		"bad-.example.com",
		"under_score.example.com",
		"two..dots.com",
		"space in.example.com",
	} {
		_, err := New(raw)
		require.ErrorIs(t, err, ErrInvalid, raw)
	}
}

func TestEqualAfterNormalization(t *testing.T) {
	t.Parallel()

	a := MustNew("Sam.Example.com")
	b := MustNew("sam.example.com.")
	assert.True(t, a.Equal(b))
	assert.False(t, a.IsZero())
	assert.True(t, Identity{}.IsZero())
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	type wrapper struct {
		Sender Identity `json:"sender"`
	}

	data, err := json.Marshal(wrapper{Sender: MustNew("frodo.example.com")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sender":"frodo.example.com"}`, string(data))

	var got wrapper
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "frodo.example.com", got.Sender.String())

	require.Error(t, json.Unmarshal([]byte(`{"sender":"nope"}`), &got))
}

func TestScanValue(t *testing.T) {
	t.Parallel()

	var id Identity
	require.NoError(t, id.Scan("Merry.Example.com"))
	assert.Equal(t, "merry.example.com", id.String())

	v, err := id.Value()
	require.NoError(t, err)
	assert.Equal(t, "merry.example.com", v)

	require.NoError(t, id.Scan(nil))
	assert.True(t, id.IsZero())

	v, err = id.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	require.Error(t, id.Scan(42))
}
