package cache

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrCodec matches every *CodecError.
var ErrCodec = errors.New("stoat/cache: codec failure")

// Codec converts values to and from the bytes kept in the cache.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONCodec encodes values with encoding/json.
type JSONCodec struct{}

// Marshal implements Codec.
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// CodecError reports a value that could not be encoded or cached bytes
// that could not be decoded.
type CodecError struct {
	Key           string
	Op            string // "encode" or "decode"
	Cause         error
	CorrelationID string
}

// NewCodecError creates a new CodecError.
func NewCodecError(key, op string, cause error) *CodecError {
	return &CodecError{
		Key:           key,
		Op:            op,
		Cause:         cause,
		CorrelationID: uuid.NewString(),
	}
}

// Error implements the error interface.
func (e *CodecError) Error() string {
	return fmt.Sprintf("stoat/cache: failed to %s value for key %q: %v [%s]", e.Op, e.Key, e.Cause, e.CorrelationID)
}

// Is implements errors.Is compatibility.
func (e *CodecError) Is(target error) bool {
	return target == ErrCodec
}

// Unwrap returns the underlying cause.
func (e *CodecError) Unwrap() error {
	return e.Cause
}
