package hydrus

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeySize is the byte length of service, account, registration, session and
// update identifiers, and of access-key secrets.
const KeySize = 32

// Key is a 32-byte random identifier (service key, account key, registration
// key, session key).
type Key []byte

// AccessKey is a 32-byte client secret. It is stored hashed in the accounts
// table; only the registration-key table ever holds it raw.
type AccessKey []byte

// Hash is an opaque content digest, SHA-256 in practice.
type Hash []byte

// NewKey returns a fresh random Key.
func NewKey() Key {
	b := make([]byte, KeySize)
	// crypto/rand.Read never fails on supported platforms.
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return Key(b)
}

// NewAccessKey returns a fresh random AccessKey.
func NewAccessKey() AccessKey {
	return AccessKey(NewKey())
}

func (k Key) String() string       { return hex.EncodeToString(k) }
func (k AccessKey) String() string { return hex.EncodeToString(k) }
func (h Hash) String() string      { return hex.EncodeToString(h) }

// Equal reports byte equality. Keys are not secrets so ordinary comparison is fine.
func (k Key) Equal(other Key) bool { return bytes.Equal(k, other) }

// Equal reports byte equality of two hashes.
func (h Hash) Equal(other Hash) bool { return bytes.Equal(h, other) }

// HashAccessKey is how access keys are stored at rest.
func HashAccessKey(ak AccessKey) []byte {
	s := sha256.Sum256(ak)
	return s[:]
}

// HashKey hashes a registration key for its table's primary lookup.
func HashKey(k Key) []byte {
	s := sha256.Sum256(k)
	return s[:]
}

// HashBytes returns the SHA-256 content digest used to address blobs and
// update bundles.
func HashBytes(b []byte) Hash {
	s := sha256.Sum256(b)
	return Hash(s[:])
}

// KeyFromHex parses a lowercase/uppercase hex key of any of the accepted
// identifier lengths.
func KeyFromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, Error{Code: BadRequest, Err: fmt.Errorf("malformed hex key: %w", err)}
	}
	if len(b) != KeySize {
		return nil, Error{Code: BadRequest, Err: fmt.Errorf("key is %d bytes, want %d", len(b), KeySize)}
	}
	return Key(b), nil
}

// HashFromHex parses a hex digest. Accepted lengths follow the supported hash
// algorithms (MD5 16, SHA-1 20, SHA-256 32, SHA-512 64).
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, Error{Code: BadRequest, Err: fmt.Errorf("malformed hex hash: %w", err)}
	}
	switch len(b) {
	case 16, 20, 32, 64:
		return Hash(b), nil
	}
	return nil, Error{Code: BadRequest, Err: fmt.Errorf("hash is %d bytes", len(b))}
}

// ServiceType enumerates the kinds of service a server can host.
type ServiceType int

const (
	ServiceAdmin ServiceType = iota
	ServiceFileRepo
	ServiceTagRepo
)

func (t ServiceType) String() string {
	switch t {
	case ServiceAdmin:
		return "admin"
	case ServiceFileRepo:
		return "file repository"
	case ServiceTagRepo:
		return "tag repository"
	}
	return "unknown"
}

// IsRepository reports whether services of this type carry repository tables
// and publish update bundles.
func (t ServiceType) IsRepository() bool {
	return t == ServiceFileRepo || t == ServiceTagRepo
}

// ContentType enumerates the content kinds a repository stores.
type ContentType int

const (
	ContentFiles ContentType = iota
	ContentMappings
	ContentTagParents
	ContentTagSiblings
	// ContentServices is the meta content-type used for admin permission
	// checks; it never has repository rows.
	ContentServices
	// ContentAccounts covers account-modification permissions.
	ContentAccounts
)

func (c ContentType) String() string {
	switch c {
	case ContentFiles:
		return "files"
	case ContentMappings:
		return "mappings"
	case ContentTagParents:
		return "tag parents"
	case ContentTagSiblings:
		return "tag siblings"
	case ContentServices:
		return "services"
	case ContentAccounts:
		return "accounts"
	}
	return "unknown"
}

// RepositoryContentTypes are the kinds with current/deleted/pending/petitioned
// tables.
var RepositoryContentTypes = []ContentType{ContentFiles, ContentMappings, ContentTagParents, ContentTagSiblings}

// ContentStatus is the logical state of a content row.
type ContentStatus int

const (
	StatusCurrent ContentStatus = iota
	StatusDeleted
	StatusPending
	StatusPetitioned
)

func (s ContentStatus) String() string {
	switch s {
	case StatusCurrent:
		return "current"
	case StatusDeleted:
		return "deleted"
	case StatusPending:
		return "pending"
	case StatusPetitioned:
		return "petitioned"
	}
	return "unknown"
}

// UpdateAction is the verb carried by a content row inside a client-to-server
// or server-to-client update.
type UpdateAction int

const (
	ActionAdd UpdateAction = iota
	ActionDelete
	ActionPend
	ActionPetition
	ActionDenyPend
	ActionDenyPetition
)

func (a UpdateAction) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionDelete:
		return "delete"
	case ActionPend:
		return "pend"
	case ActionPetition:
		return "petition"
	case ActionDenyPend:
		return "deny pend"
	case ActionDenyPetition:
		return "deny petition"
	}
	return "unknown"
}

// Permission is the action level an account type grants per content type.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionPetition
	PermissionCreate
	PermissionModerate
)

func (p Permission) String() string {
	switch p {
	case PermissionPetition:
		return "petition"
	case PermissionCreate:
		return "create"
	case PermissionModerate:
		return "moderate"
	}
	return "none"
}

// KeyValuePair is a simple ordered pair used by bulk APIs.
type KeyValuePair[TK any, TV any] struct {
	Key   TK
	Value TV
}

// FileMetadata is the metadata dictionary accompanying a file upload.
type FileMetadata struct {
	Hash      Hash   `json:"hash"`
	Size      uint64 `json:"size"`
	Mime      int    `json:"mime"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Duration  int    `json:"duration,omitempty"`
	NumFrames int    `json:"num_frames,omitempty"`
	NumWords  int    `json:"num_words,omitempty"`
}
