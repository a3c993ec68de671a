package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus"
)

func TestNormalizeTag(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Series:Foo", "series:foo"},
		{"  plain   tag  ", "plain tag"},
		{"a​b", "ab"},           // zero-width space is a format codepoint
		{"tab\tseparated", "tab separated"},
		{": subtag only", "subtag only"},
		{"character: samus   aran", "character:samus aran"},
	}
	for _, c := range cases {
		got, err := NormalizeTag(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestNormalizeTagRejects(t *testing.T) {
	for _, in := range []string{"", "   ", "​", "namespace:", "namespace:   "} {
		_, err := NormalizeTag(in)
		require.Error(t, err, "%q should not normalize", in)
		assert.Equal(t, hydrus.BadRequest, hydrus.CodeOf(err))
	}
}

func TestHashTypeForLengthRefusesToGuess(t *testing.T) {
	_, err := HashTypeForLength(32, false)
	require.Error(t, err)
	assert.Equal(t, hydrus.BadRequest, hydrus.CodeOf(err))

	ht, err := HashTypeForLength(32, true)
	require.NoError(t, err)
	assert.Equal(t, SHA256, ht)

	_, err = HashTypeForLength(33, true)
	require.Error(t, err)
}
