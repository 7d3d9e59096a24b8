// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/peek/lib/codec"
)

// snapshotMagic prefixes every snapshot file. The version byte changes
// if the layout after it changes.
var snapshotMagic = []byte("PEEKKV\x00\x01")

const digestSize = 32

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("kvstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("kvstore: zstd decoder initialization failed: " + err.Error())
	}
}

// FileStore is a Store persisted to a single snapshot file.
type FileStore struct {
	core
	path string
}

// OpenFile loads the snapshot at path, or starts empty if the file does
// not exist or fails verification. The parent directory is created.
func OpenFile(path string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	values, err := readSnapshot(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		values = nil
	case err != nil:
		logger.Warn("discarding unreadable store snapshot", "path", path, "error", err)
		values = nil
	}

	store := &FileStore{path: path}
	store.core = newCore(values, store.writeSnapshot)
	return store, nil
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) writeSnapshot(values map[string][]byte) error {
	body, err := codec.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(body, nil)
	digest := blake3.Sum256(compressed)

	var buffer bytes.Buffer
	buffer.Grow(len(snapshotMagic) + digestSize + len(compressed))
	buffer.Write(snapshotMagic)
	buffer.Write(digest[:])
	buffer.Write(compressed)

	temporary, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	temporaryPath := temporary.Name()
	if _, err := temporary.Write(buffer.Bytes()); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

func readSnapshot(path string) (map[string][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < len(snapshotMagic)+digestSize || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, fmt.Errorf("not a snapshot file")
	}
	data = data[len(snapshotMagic):]
	var expected [digestSize]byte
	copy(expected[:], data[:digestSize])
	compressed := data[digestSize:]
	if blake3.Sum256(compressed) != expected {
		return nil, fmt.Errorf("snapshot digest mismatch")
	}
	body, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var values map[string][]byte
	if err := codec.Unmarshal(body, &values); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return values, nil
}
