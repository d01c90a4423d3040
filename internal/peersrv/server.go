package peersrv

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/peerdex/peerdex/internal/wire"
)

// Peer response statuses, shared by GET_FILE and GET_MULTIFILE.
const (
	StatusOK       byte = 0
	StatusNotFound byte = 1
	StatusError    byte = 2
)

// acceptPollInterval bounds how long a shutdown can take: the accept loop
// wakes up at least this often to check the stop signal.
const acceptPollInterval = 200 * time.Millisecond

// Listener is the inbound side of a connected peer: a TCP endpoint on an
// ephemeral port that serves local files to other peers. It starts accepting
// as soon as Listen returns and runs until Stop.
type Listener struct {
	ln  *net.TCPListener
	log *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Listen binds an ephemeral port on every interface and starts the accept
// loop. The advertised port is available through Port.
//
// No NAT traversal is attempted; peers behind one are reachable only on their
// local network.
func Listen(log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, err
	}

	l := &Listener{
		ln:   ln.(*net.TCPListener),
		log:  log.With("src", "peersrv"),
		stop: make(chan struct{}),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop()
	}()

	l.log.Debug("serving peers", "port", l.Port())

	return l, nil
}

// Port returns the ephemeral port the OS assigned; this is the value the
// client advertises to the directory on CONNECT.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Stop shuts the endpoint down and waits for in-flight transfers to finish.
// Safe to call more than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		if err := l.ln.Close(); err != nil {
			l.log.Warn("listener close failed", "error", err.Error())
		}
	})
	l.wg.Wait()
}

// acceptLoop accepts with a short deadline so it can observe the stop signal
// between accepts; closing the listening socket also unblocks it.
func (l *Listener) acceptLoop() {
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		if err := l.ln.SetDeadline(time.Now().Add(acceptPollInterval)); err != nil {
			return
		}

		conn, err := l.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				l.log.Warn("accept failed", "error", err.Error())
			}
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

// handle serves one inbound peer request.
func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	verb, err := wire.ReadCString(r)
	if err != nil {
		return
	}
	path, err := wire.ReadCString(r)
	if err != nil {
		return
	}

	if verb != wire.VerbGetFile && verb != wire.VerbGetMultifile {
		l.log.Warn("unknown peer verb", "verb", verb)
		_ = wire.WriteStatus(conn, StatusError)
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		_ = wire.WriteStatus(conn, StatusNotFound)
		return
	}

	switch verb {
	case wire.VerbGetFile:
		l.serveWhole(conn, path)
	case wire.VerbGetMultifile:
		l.serveRange(r, conn, path, info.Size())
	}
}

// serveWhole streams the entire file; the end of the transfer is signalled by
// closing the connection.
func (l *Listener) serveWhole(conn net.Conn, path string) {
	f, err := os.Open(path)
	if err != nil {
		_ = wire.WriteStatus(conn, StatusError)
		return
	}
	defer f.Close()

	if err := wire.WriteStatus(conn, StatusOK); err != nil {
		return
	}
	if _, err := io.Copy(conn, f); err != nil {
		// Best effort; the requester has likely gone away and will see the
		// short stream regardless.
		_ = wire.WriteStatus(conn, StatusError)
		l.log.Warn("file transfer failed", "path", path, "error", err.Error())
	}
}

// serveRange streams the byte range Partition assigns to this seeder.
func (l *Listener) serveRange(r *bufio.Reader, conn net.Conn, path string, size int64) {
	idStr, err := wire.ReadCString(r)
	if err != nil {
		return
	}
	totalStr, err := wire.ReadCString(r)
	if err != nil {
		return
	}

	id, err := strconv.Atoi(idStr)
	if err != nil {
		_ = wire.WriteStatus(conn, StatusError)
		return
	}
	total, err := strconv.Atoi(totalStr)
	if err != nil || total < 1 || id < 0 || id >= total {
		_ = wire.WriteStatus(conn, StatusError)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		_ = wire.WriteStatus(conn, StatusError)
		return
	}
	defer f.Close()

	offset, length := Partition(size, id, total)

	if err := wire.WriteStatus(conn, StatusOK); err != nil {
		return
	}
	if _, err := io.Copy(conn, io.NewSectionReader(f, offset, length)); err != nil {
		l.log.Warn("range transfer failed",
			"path", path,
			"seeder", id,
			"total", total,
			"error", err.Error(),
		)
	}
}
