package protocol

import (
	"bytes"
	"io"

	"github.com/iamgaru/gosling/internal/failure"
)

const (
	// DefaultMaxHeadBytes caps how much a single request head may occupy
	DefaultMaxHeadBytes = 64 * 1024

	headChunkSize = 4
)

// ReadHead reads from r until the head terminator has been consumed.
// Reads happen in small chunks, dropping to single bytes once the data seen so
// far ends in CR or LF, so the terminator is never overshot into body bytes.
// The returned slice holds every byte consumed.
func ReadHead(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxHeadBytes
	}

	buf := make([]byte, 0, 512)
	var chunk [headChunkSize]byte

	for !bytes.HasSuffix(buf, HeadTerminator) {
		want := headChunkSize
		if n := len(buf); n > 0 && (buf[n-1] == '\r' || buf[n-1] == '\n') {
			want = 1
		}

		n, err := r.Read(chunk[:want])
		buf = append(buf, chunk[:n]...)
		if bytes.HasSuffix(buf, HeadTerminator) {
			break
		}
		if len(buf) > limit {
			return buf, failure.Newf(failure.MalformedRequest, "read head", "head exceeds %d bytes", limit)
		}
		if err != nil {
			return buf, failure.New(failure.IncompleteRequest, "read head", err)
		}
	}

	return buf, nil
}

// ReadRequest reads one request head off r, parses it and resolves host and
// version. Raw on the returned request holds the exact bytes consumed.
func ReadRequest(r io.Reader, limit int) (*Request, error) {
	raw, err := ReadHead(r, limit)
	if err != nil {
		return nil, err
	}

	req, err := ParseRequestHead(string(raw))
	if err != nil {
		return nil, err
	}
	req.Raw = raw

	if err := req.Resolve(); err != nil {
		return nil, err
	}
	return req, nil
}
