package hydrus

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

type defaultMarshaller struct{}

// NewMarshaler returns the default marshaller which uses golang's json package.
// JSON keys are emitted in a stable order, which keeps update-bundle bytes
// reproducible so their digests can serve as identifiers.
func NewMarshaler() Marshaler {
	return &defaultMarshaller{}
}

func (m defaultMarshaller) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (m defaultMarshaller) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
