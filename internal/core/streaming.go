package core

// streaming.go provides the readers a batch passes through before CSV parsing.
//
// Decoding is permissive: a leading UTF-8 BOM (common in spreadsheet exports)
// is dropped and invalid byte sequences are replaced with U+FFFD. Decoding
// never fails, so a damaged cell can at worst make its own row unparseable.
//
// Counting wraps the raw source so progress reflects the file size the caller
// reported, not the decoded text.

import (
	"io"
	"sync/atomic"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// NewPermissiveDecoder returns a reader that strips a leading BOM and replaces
// invalid UTF-8 with the replacement character.
func NewPermissiveDecoder(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.UTF8BOM.NewDecoder())
}

// CountingReader wraps an io.Reader to track bytes read.
// BytesRead may be called from other goroutines for progress reporting.
type CountingReader struct {
	reader io.Reader
	read   atomic.Int64
	Total  int64 // If known (0 if unknown)
}

// NewCountingReader creates a counting reader with optional total size.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{reader: r, Total: total}
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.read.Add(int64(n))
	return n, err
}

// BytesRead returns the number of raw bytes consumed so far.
func (r *CountingReader) BytesRead() int64 {
	return r.read.Load()
}

// Progress returns the read progress as a percentage (0-100).
// Returns 0 if total is unknown.
func (r *CountingReader) Progress() int {
	if r.Total <= 0 {
		return 0
	}
	return int(r.BytesRead() * 100 / r.Total)
}
