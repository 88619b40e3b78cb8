package handlers

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// isAWSChunked reports whether the request body uses the
// STREAMING-AWS4-HMAC-SHA256-PAYLOAD chunked transfer encoding the AWS SDKs
// use for SigV4-signed uploads.
func isAWSChunked(r *http.Request) bool {
	return r.Header.Get("x-amz-content-sha256") == "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
}

// decodedContentLength reads x-amz-decoded-content-length, the size of the
// payload once chunk framing is stripped.
func decodedContentLength(r *http.Request) (int64, bool) {
	v := r.Header.Get("x-amz-decoded-content-length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// awsChunkedReader strips STREAMING-AWS4-HMAC-SHA256-PAYLOAD chunk framing
// from its underlying reader, yielding the raw payload. Each chunk is
// framed as "<hex-size>;chunk-signature=<sig>\r\n<data>\r\n"; the stream
// ends with a zero-size chunk. Per-chunk signatures are not verified, and
// the request's header-level SigV4 signature covers only the literal
// STREAMING-AWS4-HMAC-SHA256-PAYLOAD value of x-amz-content-sha256, not the
// body bytes.
type awsChunkedReader struct {
	br        *bufio.Reader
	remaining int64
	done      bool
}

func newAWSChunkedReader(r io.Reader) *awsChunkedReader {
	return &awsChunkedReader{br: bufio.NewReader(r)}
}

func (c *awsChunkedReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	if c.remaining == 0 {
		size, err := c.readChunkHeader()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			c.done = true
			// Trailing headers (if any) precede the final CRLF; drain to EOF-safe.
			return 0, io.EOF
		}
		c.remaining = size
	}

	n := len(p)
	if int64(n) > c.remaining {
		n = int(c.remaining)
	}
	read, err := c.br.Read(p[:n])
	c.remaining -= int64(read)
	if c.remaining == 0 {
		// Consume the trailing CRLF after the chunk's data.
		if _, discardErr := c.br.Discard(2); discardErr != nil && err == nil {
			err = discardErr
		}
	}
	return read, err
}

func (c *awsChunkedReader) readChunkHeader() (int64, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	sizeHex := line
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		sizeHex = line[:idx]
	}
	sizeHex = strings.TrimSpace(sizeHex)
	size, err := strconv.ParseInt(sizeHex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid aws-chunked chunk header %q: %w", line, err)
	}
	return size, nil
}
