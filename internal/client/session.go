package client

import (
	"log/slog"

	"github.com/peerdex/peerdex/internal/peersrv"
)

// Session is the connected sub-state of the client: the current user name and
// the peer-serving endpoint advertised to the directory. At most one session
// exists per client.
type Session struct {
	User string

	listener *peersrv.Listener
}

// newSession brings up the peer endpoint. The session is not valid until the
// directory has acknowledged the CONNECT that advertises it.
func newSession(user string, log *slog.Logger) (*Session, error) {
	l, err := peersrv.Listen(log)
	if err != nil {
		return nil, err
	}

	return &Session{User: user, listener: l}, nil
}

// Port is the ephemeral port the peer endpoint accepts on.
func (s *Session) Port() int {
	return s.listener.Port()
}

// Close stops the peer endpoint and waits for in-flight transfers.
func (s *Session) Close() {
	s.listener.Stop()
}
