package failure

import (
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"plain error", io.EOF, Unknown},
		{"direct", New(DialFailure, "dial", io.EOF), DialFailure},
		{"wrapped", errors.Wrap(New(HandshakeFailure, "tls", io.EOF), "session"), HandshakeFailure},
		{"cancelled cause", New(DialFailure, "dial", context.Canceled), Cancelled},
		{"bare cancel", errors.Wrap(context.Canceled, "relay"), Cancelled},
		{"formatted", Newf(MalformedRequest, "parse", "only %d tokens", 2), MalformedRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRespondsBadRequest(t *testing.T) {
	for _, k := range []Kind{MalformedRequest, UnresolvedHost, UnsupportedVersion} {
		assert.True(t, k.RespondsBadRequest(), k.String())
	}
	for _, k := range []Kind{IncompleteRequest, HandshakeFailure, DialFailure, RelayInterrupted, Cancelled, Unknown} {
		assert.False(t, k.RespondsBadRequest(), k.String())
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(DialFailure, "dial example.com:443", io.EOF)
	assert.Equal(t, "dial example.com:443: dial_failure: EOF", err.Error())
	assert.True(t, errors.Is(err, io.EOF))

	bare := New(IncompleteRequest, "read head", nil)
	assert.Contains(t, bare.Error(), "incomplete_request")
	assert.Equal(t, IncompleteRequest, KindOf(bare))
}
