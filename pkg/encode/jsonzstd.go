package encode

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// JSONBatch is the default, generic Encoder: each row is marshaled to
// JSON and written as one length-prefixed frame inside a single
// zstd-compressed stream. It stands in for a real columnar (Parquet)
// writer, which is out of this module's scope — the external contract
// is the columnar format; this is the private intermediate container
// spec.md §6 describes.
type JSONBatch struct {
	Rows  []any
	Level zstd.EncoderLevel
}

// Encode implements Encoder.
func (b JSONBatch) Encode(w *os.File) error {
	level := b.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	buf := bufio.NewWriter(zw)
	defer buf.Flush()

	for _, row := range b.Rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}

		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
		if _, err := buf.Write(lenPrefix[:]); err != nil {
			return fmt.Errorf("write frame length: %w", err)
		}
		if _, err := buf.Write(data); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}

	return nil
}

// ZstdLevel maps the configured integer compression level (1-22-ish,
// per ZSTD_LEVEL) onto the klauspost/compress EncoderLevel enum.
func ZstdLevel(configured int) zstd.EncoderLevel {
	switch {
	case configured <= 1:
		return zstd.SpeedFastest
	case configured <= 3:
		return zstd.SpeedDefault
	case configured <= 9:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// ReadJSONBatch reverses JSONBatch.Encode, for tests and any consumer
// of the private intermediate container.
func ReadJSONBatch(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ReadJSONBatchFrom(f)
}

// ReadJSONBatchFrom reverses JSONBatch.Encode from an already-open
// reader, for callers (the gap-recovery sweeper, the partition repair
// tool) that fetch the container from an ObjectStore rather than the
// local filesystem.
func ReadJSONBatchFrom(r io.Reader) ([]json.RawMessage, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var out []json.RawMessage
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(zr, lenPrefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		data := make([]byte, n)
		if _, err := io.ReadFull(zr, data); err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		out = append(out, json.RawMessage(data))
	}
	return out, nil
}
