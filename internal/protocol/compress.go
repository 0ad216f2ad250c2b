package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// maxUncompressedBodySize is the threshold above which a message body
// is considered for compression. Bodies of exactly this size or smaller
// are always sent verbatim.
const maxUncompressedBodySize = 1024

// compressBody deflates body with zlib. Used for UPLOAD and DOWNLOAD
// bodies; the caller decides whether the compressed form is actually
// worth sending.
func compressBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := zlib.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("compressing message body: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing message body: %w", err)
	}

	return buf.Bytes(), nil
}

// decompressBody inflates a compressed message body. uncompressedSize
// is the size announced in the message header; a mismatch is a protocol
// violation.
func decompressBody(body []byte, uncompressedSize int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decompressing message body: %w", err)
	}
	defer r.Close()

	out := make([]byte, 0, uncompressedSize)

	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("decompressing message body: %w", err)
	}

	if int64(buf.Len()) != uncompressedSize {
		return nil, fmt.Errorf("decompressed body size %d does not match announced size %d",
			buf.Len(), uncompressedSize)
	}

	return buf.Bytes(), nil
}
