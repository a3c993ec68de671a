package encoding

import (
	"github.com/nedfreetoplay/hydrus"
)

// HashDefinition maps a dense per-service hash id to its content digest.
type HashDefinition struct {
	ServiceHashID int64  `json:"id"`
	Hash          string `json:"hash"` // lowercase hex
}

// TagDefinition maps a dense per-service tag id to its tag text.
type TagDefinition struct {
	ServiceTagID int64  `json:"id"`
	Tag          string `json:"tag"`
}

// DefinitionsUpdate lists the definitions minted inside one update window.
type DefinitionsUpdate struct {
	Hashes []HashDefinition `json:"hashes,omitempty"`
	Tags   []TagDefinition  `json:"tags,omitempty"`
}

// NumRows is used by the bundler to enforce per-bundle row caps.
func (u DefinitionsUpdate) NumRows() int {
	return len(u.Hashes) + len(u.Tags)
}

// FileRow is a file addition inside a content update. Deletions carry only
// the service hash id.
type FileRow struct {
	ServiceHashID int64  `json:"id"`
	Size          uint64 `json:"size,omitempty"`
	Mime          int    `json:"mime,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	Duration      int    `json:"duration,omitempty"`
	NumFrames     int    `json:"num_frames,omitempty"`
	NumWords      int    `json:"num_words,omitempty"`
}

// MappingRow groups the hashes a tag was applied to (or removed from) in the
// window. One row per tag; the bundler splits oversized rows.
type MappingRow struct {
	ServiceTagID   int64   `json:"tag"`
	ServiceHashIDs []int64 `json:"hashes"`
}

// NumRows counts a mapping row as one row per hash.
func (r MappingRow) NumRows() int { return len(r.ServiceHashIDs) }

// PairRow is a tag-parent (child, parent) or tag-sibling (bad, good) pair in
// service tag ids.
type PairRow struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

// ContentUpdate carries one window's worth of row changes for every content
// kind. Field order is fixed; bytes are stable for a given payload.
type ContentUpdate struct {
	FilesAdded      []FileRow    `json:"files_added,omitempty"`
	FilesDeleted    []int64      `json:"files_deleted,omitempty"`
	MappingsAdded   []MappingRow `json:"mappings_added,omitempty"`
	MappingsDeleted []MappingRow `json:"mappings_deleted,omitempty"`
	ParentsAdded    []PairRow    `json:"parents_added,omitempty"`
	ParentsDeleted  []PairRow    `json:"parents_deleted,omitempty"`
	SiblingsAdded   []PairRow    `json:"siblings_added,omitempty"`
	SiblingsDeleted []PairRow    `json:"siblings_deleted,omitempty"`
}

// NumRows is the cap-relevant row count of the bundle.
func (u ContentUpdate) NumRows() int {
	n := len(u.FilesAdded) + len(u.FilesDeleted)
	for _, r := range u.MappingsAdded {
		n += r.NumRows()
	}
	for _, r := range u.MappingsDeleted {
		n += r.NumRows()
	}
	n += len(u.ParentsAdded) + len(u.ParentsDeleted)
	n += len(u.SiblingsAdded) + len(u.SiblingsDeleted)
	return n
}

// UpdateEntry is one row of a service's update index: the bundle hashes
// covering a closed time window.
type UpdateEntry struct {
	UpdateIndex int64    `json:"update_index"`
	Hashes      []string `json:"hashes"` // lowercase hex, definitions bundles first
	Begin       int64    `json:"begin"`
	End         int64    `json:"end"`
}

// Metadata is the wire shape of a service's update index, served whole or as
// a slice from a given index.
type Metadata struct {
	Entries      []UpdateEntry `json:"entries"`
	NextUpdateAt int64         `json:"next_update_due_at"`
}

// EncodeDefinitionsUpdate serializes and identifies a definitions bundle.
func EncodeDefinitionsUpdate(u DefinitionsUpdate) ([]byte, hydrus.Hash, error) {
	b, err := Encode(TypeDefinitionsUpdate, VersionDefinitionsUpdate, u)
	if err != nil {
		return nil, nil, err
	}
	return b, hydrus.HashBytes(b), nil
}

// EncodeContentUpdate serializes and identifies a content bundle.
func EncodeContentUpdate(u ContentUpdate) ([]byte, hydrus.Hash, error) {
	b, err := Encode(TypeContentUpdate, VersionContentUpdate, u)
	if err != nil {
		return nil, nil, err
	}
	return b, hydrus.HashBytes(b), nil
}
