// Package cas provides content digests and the compressed blob encoding used
// for persisted graphs and exports.
package cas

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Digest computes the BLAKE3-256 digest of data.
func Digest(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// DigestHex returns Digest as a hex string.
func DigestHex(data []byte) string {
	return hex.EncodeToString(Digest(data))
}

// Compress encodes data with zstd.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing zstd encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes a zstd stream produced by Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}

// Seal compresses data and returns it with the hex digest of the
// uncompressed bytes.
func Seal(data []byte) (blob []byte, digest string, err error) {
	blob, err = Compress(data)
	if err != nil {
		return nil, "", err
	}
	return blob, DigestHex(data), nil
}

// Open reverses Seal and verifies the digest.
func Open(blob []byte, digest string) ([]byte, error) {
	data, err := Decompress(blob)
	if err != nil {
		return nil, err
	}
	if got := DigestHex(data); got != digest {
		return nil, fmt.Errorf("digest mismatch: have %s, want %s", got, digest)
	}
	return data, nil
}
