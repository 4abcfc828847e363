package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// encode compresses value when it meets the configured threshold. On any
// compression error the raw value is stored instead; compression is an
// optimization, never a failure mode. Returns the stored bytes and whether
// they are compressed.
func (s *Store) encode(value []byte) ([]byte, bool) {
	if int64(len(value)) < s.config.CompressionThreshold {
		return value, false
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		cacheErrors.WithLabelValues("compress").Inc()
		s.logger.Warn().Err(err).Msg("Payload compression failed, storing raw")
		return value, false
	}
	if err := w.Close(); err != nil {
		cacheErrors.WithLabelValues("compress").Inc()
		s.logger.Warn().Err(err).Msg("Payload compression failed, storing raw")
		return value, false
	}

	// Incompressible payloads are kept raw.
	if buf.Len() >= len(value) {
		return value, false
	}

	saved := len(value) - buf.Len()
	s.compressionSaved.Add(int64(saved))
	cacheCompressionSaved.Add(float64(saved))

	return buf.Bytes(), true
}

// decode returns the uncompressed payload for an entry.
func (s *Store) decode(e *Entry) ([]byte, error) {
	if !e.Compressed {
		return e.Payload, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(e.Payload))
	if err != nil {
		cacheErrors.WithLabelValues("decompress").Inc()
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		cacheErrors.WithLabelValues("decompress").Inc()
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}
