// Package compress implements the WorkQueue payload compression codecs:
// none, gzip, lz4, or snappy. The codec a record was encoded with is named
// in its "compression" header.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a codec by the value carried in the "compression"
// record header.
type Algorithm string

const (
	None   Algorithm = "none"
	Gzip   Algorithm = "gzip"
	LZ4    Algorithm = "lz4"
	Snappy Algorithm = "snappy"
)

// Encode compresses b using algo.
func Encode(algo Algorithm, b []byte) ([]byte, error) {
	switch algo {
	case "", None:
		return b, nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("op=compress.gzip.write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("op=compress.gzip.close: %w", err)
		}
		return buf.Bytes(), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, fmt.Errorf("op=compress.lz4.write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("op=compress.lz4.close: %w", err)
		}
		return buf.Bytes(), nil
	case Snappy:
		return snappy.Encode(nil, b), nil
	default:
		return nil, fmt.Errorf("op=compress.encode: unsupported algorithm %q", algo)
	}
}

// Decode decompresses b using algo.
func Decode(algo Algorithm, b []byte) ([]byte, error) {
	switch algo {
	case "", None:
		return b, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("op=compress.gzip.reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("op=compress.gzip.read: %w", err)
		}
		return out, nil
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(b))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("op=compress.lz4.read: %w", err)
		}
		return out, nil
	case Snappy:
		out, err := snappy.Decode(nil, b)
		if err != nil {
			return nil, fmt.Errorf("op=compress.snappy.decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("op=compress.decode: unsupported algorithm %q", algo)
	}
}

// ParseAlgorithm validates and normalizes a configured algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", None:
		return None, nil
	case Gzip:
		return Gzip, nil
	case LZ4:
		return LZ4, nil
	case Snappy:
		return Snappy, nil
	default:
		return "", fmt.Errorf("op=compress.parse_algorithm: unsupported algorithm %q", s)
	}
}
