package directory

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/peerdex/peerdex/internal/wire"
)

// Server is the directory's TCP front. Each accepted connection carries
// exactly one request/response exchange and is then closed.
//
// Requests are read in full into locals before the store is touched, and the
// response is written with no lock held, so a slow client can never stall
// another one inside the store.
type Server struct {
	store   *Store
	log     *slog.Logger
	metrics *Metrics

	ln net.Listener
}

type ServerOpts struct {
	Log     *slog.Logger
	Metrics *Metrics
}

// NewServer wraps store with a TCP request dispatcher.
func NewServer(store *Store, opts *ServerOpts) *Server {
	if opts == nil {
		opts = &ServerOpts{}
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		store:   store,
		log:     log.With("src", "directory"),
		metrics: opts.Metrics,
	}
}

// Listen binds the server socket. Run must be called afterwards to start
// serving.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.ln = ln
	s.log.Info("listening", "addr", ln.Addr().String())

	return nil
}

// Addr returns the bound listener address. Valid only after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Run serves requests until ctx is cancelled. Cancellation closes the
// listener; the accept loop treats the resulting error as a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return s.ln.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(gctx)
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		go s.handle(conn)
	}
}

// handle runs one request/response exchange. Any I/O error while reading the
// request body closes the connection without a reply.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	verb, err := wire.ReadCString(r)
	if err != nil {
		s.metrics.observeDropped()
		return
	}

	// The timestamp is produced by an external service and carried verbatim;
	// the directory reads it only to keep framing and logs it untouched.
	ts, err := wire.ReadCString(r)
	if err != nil {
		s.metrics.observeDropped()
		return
	}

	user, err := wire.ReadCString(r)
	if err != nil {
		s.metrics.observeDropped()
		return
	}

	s.log.Info("operation", "verb", verb, "user", user, "ts", ts)

	var status byte
	switch verb {
	case wire.VerbRegister:
		status = s.replyStatus(conn, s.store.Register(user))
	case wire.VerbUnregister:
		status = s.replyStatus(conn, s.store.Unregister(user))
	case wire.VerbConnect:
		status = s.handleConnect(r, conn, user)
	case wire.VerbDisconnect:
		status = s.replyStatus(conn, s.store.Disconnect(user))
	case wire.VerbPublish:
		status = s.handlePublish(r, conn, user)
	case wire.VerbDelete:
		status = s.handleDelete(r, conn, user)
	case wire.VerbListUsers:
		status = s.handleListUsers(conn, user)
	case wire.VerbListContent:
		status = s.handleListContent(r, conn, user)
	case wire.VerbGetMultifile:
		status = s.handleSeeders(r, conn, user)
	default:
		s.log.Warn("unknown verb", "verb", verb, "user", user)
		s.metrics.observeDropped()
		return
	}

	s.metrics.observe(verb, status)
}

// replyStatus writes the single status octet verbs without a payload answer
// with. Write failures are logged and otherwise ignored: the exchange is over
// either way.
func (s *Server) replyStatus(conn net.Conn, status byte) byte {
	if err := wire.WriteStatus(conn, status); err != nil {
		s.log.Warn("status write failed", "error", err.Error())
	}
	return status
}

func (s *Server) handleConnect(r *bufio.Reader, conn net.Conn, user string) byte {
	portStr, err := wire.ReadCString(r)
	if err != nil {
		return s.replyStatus(conn, ConnectError)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return s.replyStatus(conn, ConnectError)
	}

	// The peer address is whatever the accepted socket says, not what the
	// client claims. Only the listen port comes from the request body.
	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return s.replyStatus(conn, ConnectError)
	}

	return s.replyStatus(conn, s.store.Connect(user, ip, port))
}

func (s *Server) handlePublish(r *bufio.Reader, conn net.Conn, user string) byte {
	path, err := wire.ReadCString(r)
	if err != nil {
		return s.replyStatus(conn, PublishError)
	}
	desc, err := wire.ReadCString(r)
	if err != nil {
		return s.replyStatus(conn, PublishError)
	}

	return s.replyStatus(conn, s.store.Publish(user, path, desc))
}

func (s *Server) handleDelete(r *bufio.Reader, conn net.Conn, user string) byte {
	path, err := wire.ReadCString(r)
	if err != nil {
		return s.replyStatus(conn, DeleteError)
	}

	return s.replyStatus(conn, s.store.Delete(user, path))
}

func (s *Server) handleListUsers(conn net.Conn, user string) byte {
	status, peers := s.store.ConnectedUsers(user)
	if status != ListUsersOK {
		return s.replyStatus(conn, status)
	}

	w := bufio.NewWriter(conn)
	if err := wire.WriteStatus(w, status); err != nil {
		return status
	}
	if err := wire.WriteCString(w, strconv.Itoa(len(peers))); err != nil {
		return status
	}
	for _, p := range peers {
		if err := errors.Join(
			wire.WriteCString(w, p.Name),
			wire.WriteCString(w, p.IP),
			wire.WriteCString(w, strconv.Itoa(p.Port)),
		); err != nil {
			return status
		}
	}
	if err := w.Flush(); err != nil {
		s.log.Warn("list users reply failed", "error", err.Error())
	}

	return status
}

func (s *Server) handleListContent(r *bufio.Reader, conn net.Conn, user string) byte {
	target, err := wire.ReadCString(r)
	if err != nil {
		return s.replyStatus(conn, ListContentError)
	}

	status, paths := s.store.UserContent(user, target)
	if status != ListContentOK {
		return s.replyStatus(conn, status)
	}

	w := bufio.NewWriter(conn)
	if err := wire.WriteStatus(w, status); err != nil {
		return status
	}
	if err := wire.WriteCString(w, strconv.Itoa(len(paths))); err != nil {
		return status
	}
	for _, path := range paths {
		if err := wire.WriteCString(w, path); err != nil {
			return status
		}
	}
	if err := w.Flush(); err != nil {
		s.log.Warn("list content reply failed", "error", err.Error())
	}

	return status
}

// handleSeeders answers the directory side of GET_MULTIFILE: the seeder set
// for a file. Unlike the listing verbs, the count on the wire is a single
// raw octet, not a decimal string.
func (s *Server) handleSeeders(r *bufio.Reader, conn net.Conn, user string) byte {
	path, err := wire.ReadCString(r)
	if err != nil {
		return s.replyStatus(conn, SeedersError)
	}

	status, seeders := s.store.Seeders(path)
	if status != SeedersOK {
		return s.replyStatus(conn, status)
	}

	w := bufio.NewWriter(conn)
	if err := wire.WriteStatus(w, status); err != nil {
		return status
	}
	if err := wire.WriteStatus(w, byte(len(seeders))); err != nil {
		return status
	}
	for _, seeder := range seeders {
		if err := errors.Join(
			wire.WriteCString(w, seeder.IP),
			wire.WriteCString(w, strconv.Itoa(seeder.Port)),
			wire.WriteCString(w, seeder.Path),
		); err != nil {
			return status
		}
	}
	if err := w.Flush(); err != nil {
		s.log.Warn("seeders reply failed", "error", err.Error(), "user", user)
	}

	return status
}
