package chatid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"-1002815974674", "2815974674"},
		{"-2815974674", "2815974674"},
		{"2815974674", "2815974674"},
		{" 111 ", "111"},
		{"-100", "100"},
		{"@channel", "@channel"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got := Normalize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Normalize(got), "normalize must be idempotent")
		})
	}
}

func TestCandidates(t *testing.T) {
	t.Parallel()
	got := Candidates("-1002815974674")
	for _, want := range []string{"-1002815974674", "2815974674", "-2815974674", "1002815974674", "-1001002815974674"} {
		assert.Contains(t, got, want)
	}

	got = Candidates("111")
	assert.ElementsMatch(t, []string{"111", "-111", "-100111"}, got)

	assert.Equal(t, []string{"@name"}, Candidates("@name"))
}

func TestPeerID(t *testing.T) {
	t.Parallel()
	id, err := PeerID("2815974674", KindChannel)
	require.NoError(t, err)
	assert.EqualValues(t, -1002815974674, id)

	id, err = PeerID("-555", KindGroup)
	require.NoError(t, err)
	assert.EqualValues(t, -555, id)

	id, err = PeerID("42", KindPrivate)
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	_, err = PeerID("abc", KindPrivate)
	assert.Error(t, err)
}

func TestValid(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]bool{
		"-1002815974674": true,
		"222":            true,
		"@news_feed":     true,
		"news_feed":      true,
		"0":              false,
		"":               false,
		"@ab":            false,
		"hello world":    false,
		"1news":          false,
	} {
		assert.Equal(t, want, Valid(in), in)
	}
}
