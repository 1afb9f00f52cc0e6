package tlsrpt

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// https://en.wikipedia.org/wiki/List_of_file_signatures
var gzipMagic = []byte{0x1f, 0x8b}

// IsGzip reports whether content starts with the gzip magic number.
func IsGzip(content []byte) bool {
	return bytes.HasPrefix(content, gzipMagic)
}

// Decompress gunzips content when it carries the gzip magic number and
// returns it unchanged otherwise. limit caps the inflated size; zero or a
// negative value disables the cap.
func Decompress(content []byte, limit int64) ([]byte, error) {
	if !IsGzip(content) {
		return content, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, &GzipError{Err: fmt.Errorf("could not gzip read: %w", err)}
	}
	defer gz.Close()

	var r io.Reader = gz
	if limit > 0 {
		r = io.LimitReader(gz, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, &GzipError{Err: fmt.Errorf("could not read: %w", err)}
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, &GzipError{Err: fmt.Errorf("decompressed content exceeds %d bytes", limit)}
	}
	return out, nil
}
