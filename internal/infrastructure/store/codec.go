package store

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
)

// EncodingGzipBase64 tags payloads written by EncodePayload.
const EncodingGzipBase64 = "gzip+base64"

// EncodePayload gzips data and base64-encodes the result for transport.
func EncodePayload(data []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 payload: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	return data, nil
}

// DecodeStoredPayload decodes a payload according to its encoding tag.
// Untagged payloads are plain JSON.
func DecodeStoredPayload(encoding, data string) ([]byte, error) {
	switch encoding {
	case "":
		return []byte(data), nil
	case EncodingGzipBase64:
		return DecodePayload(data)
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}
