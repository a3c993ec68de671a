package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus"
)

func TestContentUpdateRoundTripAndStableDigest(t *testing.T) {
	u := ContentUpdate{
		FilesAdded:    []FileRow{{ServiceHashID: 1, Size: 1024, Mime: 2}},
		FilesDeleted:  []int64{7},
		MappingsAdded: []MappingRow{{ServiceTagID: 3, ServiceHashIDs: []int64{1, 2, 3}}},
		SiblingsAdded: []PairRow{{A: 5, B: 6}},
	}

	b1, h1, err := EncodeContentUpdate(u)
	require.NoError(t, err)
	b2, h2, err := EncodeContentUpdate(u)
	require.NoError(t, err)

	assert.Equal(t, b1, b2, "same payload must produce the same bytes")
	assert.True(t, h1.Equal(h2))
	assert.True(t, h1.Equal(hydrus.HashBytes(b1)))

	var got ContentUpdate
	require.NoError(t, Decode(b1, TypeContentUpdate, VersionContentUpdate, &got))
	assert.Equal(t, u, got)
	assert.Equal(t, 7, u.NumRows())
}

func TestDecodeRejectsWrongType(t *testing.T) {
	b, _, err := EncodeDefinitionsUpdate(DefinitionsUpdate{Tags: []TagDefinition{{ServiceTagID: 1, Tag: "series:foo"}}})
	require.NoError(t, err)

	var cu ContentUpdate
	err = Decode(b, TypeContentUpdate, VersionContentUpdate, &cu)
	require.Error(t, err)
	assert.Equal(t, hydrus.BadRequest, hydrus.CodeOf(err))
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	b := MustEncode(TypePetition, VersionPetition+1, Petition{})
	var p Petition
	err := Decode(b, TypePetition, VersionPetition, &p)
	require.Error(t, err)
	assert.Equal(t, hydrus.BadRequest, hydrus.CodeOf(err))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var p Petition
	err := Decode([]byte("not zlib at all"), TypePetition, VersionPetition, &p)
	require.Error(t, err)
	assert.Equal(t, hydrus.BadRequest, hydrus.CodeOf(err))
}

func TestClientToServerUpdateRoundTrip(t *testing.T) {
	u := ClientToServerUpdate{
		Actions: []SubmittedAction{
			{
				Action:  hydrus.ActionPetition,
				Content: Content{ContentType: hydrus.ContentMappings, Tag: "foo", Hashes: []string{"00ff", "11ee"}},
				Reason:  "not foo",
			},
			{
				Action:  hydrus.ActionPend,
				Content: Content{ContentType: hydrus.ContentTagSiblings, BadTag: "imagee", GoodTag: "image"},
				Reason:  "typo",
			},
		},
	}
	b, err := EncodeClientToServerUpdate(u)
	require.NoError(t, err)
	got, err := DecodeClientToServerUpdate(b)
	require.NoError(t, err)
	assert.Equal(t, u, got)
	assert.Equal(t, 2, got.Actions[0].Content.NumRows())
}
