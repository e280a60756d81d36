package proxy

import (
	"io"

	"github.com/iamgaru/gosling/internal/failure"
	"github.com/iamgaru/gosling/pkg/protocol"
)

// intake reads one request head from r. Requests that are unusable get a 400
// on w before the error is returned; truncated input gets no response.
func (s *Server) intake(r io.Reader, w io.Writer) (*protocol.Request, error) {
	req, err := protocol.ReadRequest(r, s.config.Proxy.MaxHeaderBytes)
	if err != nil {
		if failure.KindOf(err).RespondsBadRequest() {
			_, _ = w.Write(protocol.BadRequest())
		}
		return nil, err
	}
	return req, nil
}
