package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/skobkin/gputop/internal/snapshot"
)

// Compression selects the encoding of a snapshot file.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// CompressionFor picks the encoding from the file extension.
func CompressionFor(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return CompressionGzip
	case ".zst", ".zstd":
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// WriteSnapshotFile replaces path with the JSON encoding of snap,
// compressed according to the file extension.
func WriteSnapshotFile(path string, snap snapshot.Snapshot) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = EncodeSnapshot(tmp, snap, CompressionFor(path)); err != nil {
		return err
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	return nil
}

// EncodeSnapshot writes snap as JSON through the given compression.
func EncodeSnapshot(w io.Writer, snap snapshot.Snapshot, c Compression) error {
	var (
		enc io.WriteCloser
		err error
	)
	switch c {
	case CompressionGzip:
		enc = gzip.NewWriter(w)
	case CompressionZstd:
		enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
	default:
		enc = nopCloser{w}
	}

	encodeErr := json.NewEncoder(enc).Encode(snap)
	closeErr := enc.Close()
	if encodeErr != nil {
		return fmt.Errorf("encode snapshot: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("flush %s stream: %w", c, closeErr)
	}
	return nil
}

// ReadSnapshotFile decodes a file written by WriteSnapshotFile.
func ReadSnapshotFile(path string) (snapshot.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()

	var (
		r    io.Reader = f
		snap snapshot.Snapshot
	)
	switch CompressionFor(path) {
	case CompressionGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	case CompressionZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
