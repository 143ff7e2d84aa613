// Package codec serializes the fixed-size records persisted by the
// index tables. Types implementing the scale interfaces use scale;
// everything else falls back to XDR, which encodes struct fields as
// fixed-width big-endian values.
package codec

import (
	"bytes"
	"fmt"
	"io"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/spacemeshos/go-scale"
)

// Encodable is an interface that must be implemented by a struct to be encoded.
type Encodable interface{}

// Decodable is an interface that must be implemented by a struct to be decoded.
type Decodable interface{}

// EncodeTo encodes value to a writer stream.
func EncodeTo(w io.Writer, value Encodable) (int, error) {
	if encodable, ok := value.(scale.Encodable); ok {
		return encodable.EncodeScale(scale.NewEncoder(w))
	}
	v, err := xdr.Marshal(w, value)
	if err != nil {
		return v, fmt.Errorf("marshal XDR: %w", err)
	}
	return v, nil
}

// DecodeFrom decodes a value using data from a reader stream.
func DecodeFrom(r io.Reader, value Decodable) (int, error) {
	if decodable, ok := value.(scale.Decodable); ok {
		return decodable.DecodeScale(scale.NewDecoder(r))
	}
	v, err := xdr.Unmarshal(r, value)
	if err != nil {
		return v, fmt.Errorf("unmarshal XDR: %w", err)
	}
	return v, nil
}

// Encode value to a byte buffer.
func Encode(value Encodable) ([]byte, error) {
	var b bytes.Buffer
	if _, err := EncodeTo(&b, value); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Decode value from a byte buffer.
func Decode(buf []byte, value Decodable) error {
	if _, err := DecodeFrom(bytes.NewBuffer(buf), value); err != nil {
		return fmt.Errorf("decode from buffer: %w", err)
	}
	return nil
}
