package classfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("classfile: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal encodes any value with the canonical CBOR encoding used for class
// files. Equal values always produce equal bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Encode serializes a class to canonical CBOR.
func Encode(c *Class) ([]byte, error) {
	data, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("classfile: encode %s: %w", c.Name, err)
	}
	return data, nil
}

// Decode deserializes a class and validates every method body.
func Decode(data []byte) (*Class, error) {
	var c Class
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("classfile: decode: %w", err)
	}
	if c.Name == "" {
		return nil, fmt.Errorf("classfile: decode: class has no name")
	}
	for _, m := range c.Methods {
		if m == nil {
			return nil, fmt.Errorf("classfile: decode %s: nil method", c.Name)
		}
		if err := Verify(m); err != nil {
			return nil, fmt.Errorf("classfile: decode %s: %w", c.Name, err)
		}
	}
	return &c, nil
}

// Digest is the SHA-256 of a class's canonical encoding.
type Digest [32]byte

// String returns the hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex digits.
func (d Digest) Short() string {
	return d.String()[:12]
}

// DigestOf hashes the canonical encoding of c.
func DigestOf(c *Class) (Digest, error) {
	data, err := Encode(c)
	if err != nil {
		return Digest{}, err
	}
	return sha256.Sum256(data), nil
}
