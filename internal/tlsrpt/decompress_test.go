package tlsrpt

import (
	"bytes"
	"compress/gzip"
	"errors"
	"testing"
)

func gzipBytes(t *testing.T, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(content); err != nil {
		t.Fatalf("could not write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("could not close gzip: %v", err)
	}
	return buf.Bytes()
}

func TestIsGzip(t *testing.T) {
	if !IsGzip(gzipBytes(t, []byte("x"))) {
		t.Fatal("gzip content not detected")
	}
	if IsGzip([]byte("{}")) || IsGzip([]byte{0x1f}) || IsGzip(nil) {
		t.Fatal("plain content detected as gzip")
	}
}

func TestDecompress(t *testing.T) {
	content := []byte(`{"organization-name":"Company-X"}`)

	out, err := Decompress(content, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, content) {
		t.Fatalf("plain content was modified: %q", out)
	}

	out, err = Decompress(gzipBytes(t, content), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, content) {
		t.Fatalf("unexpected decompressed content %q", out)
	}
}

func TestDecompressErrors(t *testing.T) {
	compressed := gzipBytes(t, bytes.Repeat([]byte("tls report "), 100))

	tt := []struct {
		name    string
		content []byte
		limit   int64
	}{
		{name: "magic only", content: []byte{0x1f, 0x8b}},
		{name: "truncated body", content: compressed[:len(compressed)-12]},
		{name: "bad checksum", content: corruptTrailer(compressed)},
		{name: "over limit", content: compressed, limit: 64},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decompress(tc.content, tc.limit)
			var gzErr *GzipError
			if !errors.As(err, &gzErr) {
				t.Fatalf("expected a *GzipError, got %T: %v", err, err)
			}
		})
	}
}

func corruptTrailer(compressed []byte) []byte {
	out := bytes.Clone(compressed)
	// CRC-32 is stored in the first four bytes of the eight byte trailer
	out[len(out)-8] ^= 0xff
	return out
}
