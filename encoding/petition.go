package encoding

import (
	"github.com/nedfreetoplay/hydrus"
)

// Content is one piece of master-keyed content named by a client submission
// or a petition. Which fields are set depends on ContentType:
//
//	files:        Hashes (and optionally Metadata on uploads)
//	mappings:     Tag + Hashes
//	tag parents:  ChildTag + ParentTag
//	tag siblings: BadTag + GoodTag
type Content struct {
	ContentType hydrus.ContentType    `json:"content_type"`
	Hashes      []string              `json:"hashes,omitempty"` // lowercase hex
	Tag         string                `json:"tag,omitempty"`
	ChildTag    string                `json:"child_tag,omitempty"`
	ParentTag   string                `json:"parent_tag,omitempty"`
	BadTag      string                `json:"bad_tag,omitempty"`
	GoodTag     string                `json:"good_tag,omitempty"`
	Metadata    []hydrus.FileMetadata `json:"metadata,omitempty"`
}

// NumRows is the moderation weight of the content: mappings count one row per
// hash, everything else one per entry.
func (c Content) NumRows() int {
	switch c.ContentType {
	case hydrus.ContentFiles:
		return len(c.Hashes)
	case hydrus.ContentMappings:
		if n := len(c.Hashes); n > 0 {
			return n
		}
		return 1
	}
	return 1
}

// SubmittedAction pairs an update action with its content and free-text
// reason.
type SubmittedAction struct {
	Action  hydrus.UpdateAction `json:"action"`
	Content Content             `json:"content"`
	Reason  string              `json:"reason,omitempty"`
}

// ClientToServerUpdate is a client submission: pends, petitions and, for
// accounts with create/moderate, direct adds and deletes.
type ClientToServerUpdate struct {
	Actions []SubmittedAction `json:"actions"`
}

// DecodeClientToServerUpdate parses a POSTed update body.
func DecodeClientToServerUpdate(data []byte) (ClientToServerUpdate, error) {
	var u ClientToServerUpdate
	err := Decode(data, TypeClientToServerUpdate, VersionClientToServerUpdate, &u)
	return u, err
}

// EncodeClientToServerUpdate serializes a submission. Servers use it only in
// tests; clients are the real producers.
func EncodeClientToServerUpdate(u ClientToServerUpdate) ([]byte, error) {
	return Encode(TypeClientToServerUpdate, VersionClientToServerUpdate, u)
}

// PetitionHeader summarizes one distinct (petitioner, reason) petition.
type PetitionHeader struct {
	ContentType hydrus.ContentType   `json:"content_type"`
	Status      hydrus.ContentStatus `json:"status"` // pending or petitioned
	AccountKey  string               `json:"account_key"` // lowercase hex
	Reason      string               `json:"reason"`
}

// PetitionedAction is the materialized content of one side of a petition.
type PetitionedAction struct {
	Action   hydrus.UpdateAction `json:"action"` // pend or petition
	Contents []Content           `json:"contents"`
}

// PetitionAccount is the petitioner as shown to the moderator, with a
// bandwidth usage summary attached.
type PetitionAccount struct {
	AccountKey       string `json:"account_key"`
	AccountTypeTitle string `json:"account_type"`
	Created          int64  `json:"created"`
	Expires          int64  `json:"expires,omitempty"`
	BytesUsedMonth   uint64 `json:"bytes_used_month"`
	RequestsMonth    uint64 `json:"requests_month"`
}

// Petition is the full moderator-facing object for one header.
type Petition struct {
	Header    PetitionHeader     `json:"header"`
	Account   PetitionAccount    `json:"account"`
	Actions   []PetitionedAction `json:"actions"`
	Truncated bool               `json:"truncated,omitempty"`
}

// EncodePetition serializes a petition for the wire.
func EncodePetition(p Petition) ([]byte, error) {
	return Encode(TypePetition, VersionPetition, p)
}

// DecodePetition parses a petition object, used by tests and client tooling.
func DecodePetition(data []byte) (Petition, error) {
	var p Petition
	err := Decode(data, TypePetition, VersionPetition, &p)
	return p, err
}
