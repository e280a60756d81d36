package proxy

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/iamgaru/gosling/internal/failure"
)

// runSession dials the origin, forwards the buffered request head, and relays
// until either side ends. Both streams are closed on return.
func (s *Server) runSession(ctx context.Context, sess *Session, info *ConnectionInfo, entry *logrus.Entry) error {
	upstream, err := s.dialer.Dial(ctx, sess.Host, sess.Port, sess.Secure)
	if err != nil {
		sess.Client.Close()
		return err
	}

	head := sess.Request.Raw
	if _, err := upstream.Write(head); err != nil {
		upstream.Close()
		sess.Client.Close()
		return failure.New(kindFor(ctx, failure.RelayInterrupted), "forward request head", err)
	}

	entry.Debugf("Forwarded %s %s to %s:%d (%d bytes)", sess.Request.Method, sess.Request.Target,
		sess.Host, sess.Port, len(head))

	result := s.relayer.Relay(ctx, sess.Client, upstream)

	info.BytesUp = int64(len(head)) + result.BytesUp
	info.BytesDown = result.BytesDown
	info.Kind = result.Kind
	s.stats.AddBytes(info.BytesUp, info.BytesDown)

	if result.Err != nil {
		entry.Debugf("Relay ended with error: %v", result.Err)
	}
	return nil
}
