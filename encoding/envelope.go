package encoding

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nedfreetoplay/hydrus"
)

// ObjectType tags an envelope's payload.
type ObjectType int

const (
	TypeDefinitionsUpdate ObjectType = iota + 1
	TypeContentUpdate
	TypeClientToServerUpdate
	TypePetition
	TypeMetadata
)

func (t ObjectType) String() string {
	switch t {
	case TypeDefinitionsUpdate:
		return "definitions update"
	case TypeContentUpdate:
		return "content update"
	case TypeClientToServerUpdate:
		return "client to server update"
	case TypePetition:
		return "petition"
	case TypeMetadata:
		return "metadata"
	}
	return "unknown"
}

// Current envelope versions, bumped per variant when a payload shape changes.
const (
	VersionDefinitionsUpdate    = 1
	VersionContentUpdate        = 1
	VersionClientToServerUpdate = 1
	VersionPetition             = 1
	VersionMetadata             = 1
)

// Envelope is the outermost wire shape of every serialized network object.
type Envelope struct {
	Type    ObjectType      `json:"type"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

var marshaler = hydrus.NewMarshaler()

// Encode wraps payload in an envelope, marshals it and zlib-deflates the
// result. The returned bytes are what gets hashed and stored.
func Encode(t ObjectType, version int, payload any) ([]byte, error) {
	raw, err := marshaler.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env, err := marshaler.Marshal(Envelope{Type: t, Version: version, Payload: raw})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(env); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope inflates and parses the outer envelope without touching the
// payload. Malformed bytes surface as bad_request.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return env, hydrus.Errorf(hydrus.BadRequest, "object is not zlib-deflated: %v", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return env, hydrus.Errorf(hydrus.BadRequest, "truncated object: %v", err)
	}
	if err := marshaler.Unmarshal(raw, &env); err != nil {
		return env, hydrus.Errorf(hydrus.BadRequest, "malformed envelope: %v", err)
	}
	return env, nil
}

// Decode parses data as an envelope of the expected type and unmarshals its
// payload into out. Version drift beyond the known version is rejected rather
// than guessed at.
func Decode(data []byte, want ObjectType, maxVersion int, out any) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	if env.Type != want {
		return hydrus.Errorf(hydrus.BadRequest, "expected a %v, got a %v", want, env.Type)
	}
	if env.Version > maxVersion {
		return hydrus.Errorf(hydrus.BadRequest, "%v version %d is newer than this server understands (%d)", want, env.Version, maxVersion)
	}
	if err := marshaler.Unmarshal(env.Payload, out); err != nil {
		return hydrus.Errorf(hydrus.BadRequest, "malformed %v payload: %v", want, err)
	}
	return nil
}

// MustEncode is Encode for payloads built by the server itself, where a
// marshal failure is a programming error.
func MustEncode(t ObjectType, version int, payload any) []byte {
	b, err := Encode(t, version, payload)
	if err != nil {
		panic(fmt.Errorf("encoding %v: %w", t, err))
	}
	return b
}
