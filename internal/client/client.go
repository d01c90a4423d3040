// Package client implements the peer process: the directory RPC stubs, the
// session that owns the local peer-serving endpoint, the multi-seeder
// download coordinator and the interactive shell.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/peerdex/peerdex/internal/timestamp"
	"github.com/peerdex/peerdex/internal/wire"
)

// Result classifies the outcome of one protocol operation.
type Result uint8

const (
	// ResultOK: protocol success.
	ResultOK Result = iota

	// ResultUserError: a predictable protocol-level rejection (unknown user,
	// duplicate publication, missing file). Not worth retrying.
	ResultUserError

	// ResultError: transport failure, malformed reply or unexpected status.
	ResultError
)

// Client issues directory requests and coordinates peer downloads. Every stub
// opens a fresh TCP connection, performs one exchange and closes it.
//
// Output lines are stable: scripts parse them.
type Client struct {
	serverAddr string
	ts         timestamp.Source
	log        *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	session *Session
}

type Opts struct {
	// Timestamps supplies the opaque date string prepended to each request.
	// Defaults to the local clock.
	Timestamps timestamp.Source

	// Out receives the user-facing lines. Defaults to os.Stdout.
	Out io.Writer

	Log *slog.Logger
}

// New returns a client for the directory at server:port.
func New(server string, port int, opts *Opts) *Client {
	if opts == nil {
		opts = &Opts{}
	}

	ts := opts.Timestamps
	if ts == nil {
		ts = timestamp.SystemSource{}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		serverAddr: net.JoinHostPort(server, strconv.Itoa(port)),
		ts:         ts,
		out:        out,
		log:        log.With("src", "client"),
	}
}

// CurrentUser returns the user holding the session, or "" if disconnected.
func (c *Client) CurrentUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return ""
	}
	return c.session.User
}

// Shutdown performs the best-effort DISCONNECT issued on a termination
// signal, with console output suppressed.
func (c *Client) Shutdown() {
	user := c.CurrentUser()
	if user == "" {
		return
	}

	c.outMu.Lock()
	saved := c.out
	c.out = io.Discard
	c.outMu.Unlock()

	c.Disconnect(user)

	c.outMu.Lock()
	c.out = saved
	c.outMu.Unlock()
}

func (c *Client) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	fmt.Fprintf(c.out, format+"\n", args...)
}

// exchange opens a fresh connection, sends the verb, the timestamp and the
// given fields, and reads the status byte. The returned reader carries any
// trailing payload; the caller owns closing the connection.
func (c *Client) exchange(verb string, fields ...string) (*bufio.Reader, net.Conn, byte, error) {
	ts, err := c.ts.Now(context.Background())
	if err != nil {
		// The time-stamp service is advisory: the directory discards the
		// field anyway, so fall back to the local clock.
		c.log.Debug("timestamp service unavailable, using local clock", "error", err.Error())
		ts, _ = timestamp.SystemSource{}.Now(context.Background())
	}

	conn, err := net.Dial("tcp", c.serverAddr)
	if err != nil {
		return nil, nil, 0, err
	}

	w := bufio.NewWriter(conn)
	if err := wire.WriteCString(w, verb); err == nil {
		err = wire.WriteCString(w, ts)
	}
	for _, f := range fields {
		if err != nil {
			break
		}
		err = wire.WriteCString(w, f)
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		conn.Close()
		return nil, nil, 0, err
	}

	r := bufio.NewReader(conn)
	status, err := wire.ReadStatus(r)
	if err != nil {
		conn.Close()
		return nil, nil, 0, err
	}

	return r, conn, status, nil
}

func validUserName(name string) bool {
	return name != "" && len(name) <= wire.MaxFieldLen
}

// normalizePath validates a user-supplied file path and resolves it against
// the working directory. Paths with spaces cannot travel next to
// space-separated shell arguments and are rejected outright.
func normalizePath(path string) (string, error) {
	if path == "" || len(path) > wire.MaxFieldLen {
		return "", fmt.Errorf("invalid filename length")
	}
	if strings.ContainsRune(path, ' ') {
		return "", fmt.Errorf("invalid filename, blank spaces not allowed")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if len(abs) > wire.MaxFieldLen {
		return "", fmt.Errorf("invalid filename length while converting to absolute path")
	}

	return abs, nil
}

// Register creates the user in the directory. No session is established.
func (c *Client) Register(user string) Result {
	if !validUserName(user) {
		c.printf("Error: Invalid username length")
		return ResultUserError
	}

	_, conn, status, err := c.exchange(wire.VerbRegister, user)
	if err != nil {
		c.printf("c> REGISTER CLIENT ERROR - %v", err)
		return ResultError
	}
	defer conn.Close()

	switch status {
	case 0:
		c.printf("c> REGISTER OK")
		return ResultOK
	case 1:
		c.printf("c> USERNAME IN USE")
		return ResultUserError
	case 2:
		c.printf("c> REGISTER FAIL")
		return ResultError
	default:
		c.printf("c> UNKNOWN RESPONSE FROM SERVER: %d", status)
		return ResultError
	}
}

// Unregister removes the user. The directory drops its session and published
// entries with it; if it was the local session's user, the peer endpoint is
// torn down too.
func (c *Client) Unregister(user string) Result {
	if !validUserName(user) {
		c.printf("Error: Invalid username length")
		return ResultUserError
	}

	_, conn, status, err := c.exchange(wire.VerbUnregister, user)
	if err != nil {
		c.printf("c> UNREGISTER CLIENT ERROR - %v", err)
		return ResultError
	}
	defer conn.Close()

	switch status {
	case 0:
		c.closeSessionFor(user)
		c.printf("c> UNREGISTER OK")
		return ResultOK
	case 1:
		c.printf("c> USER DOES NOT EXIST")
		return ResultUserError
	case 2:
		c.printf("c> UNREGISTER FAIL")
		return ResultError
	default:
		c.printf("c> UNKNOWN RESPONSE FROM SERVER: %d", status)
		return ResultError
	}
}

// Connect establishes a session: it first brings up the local peer-serving
// endpoint, then advertises its port to the directory. On any failure the
// endpoint is torn down again.
func (c *Client) Connect(user string) Result {
	if !validUserName(user) {
		c.printf("Error: Invalid username length")
		return ResultUserError
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		c.printf("c> USER ALREADY CONNECTED")
		return ResultUserError
	}
	c.mu.Unlock()

	session, err := newSession(user, c.log)
	if err != nil {
		c.printf("c> CONNECT CLIENT ERROR - %v", err)
		return ResultError
	}

	_, conn, status, err := c.exchange(wire.VerbConnect, user, strconv.Itoa(session.Port()))
	if err != nil {
		session.Close()
		c.printf("c> CONNECT CLIENT ERROR - %v", err)
		return ResultError
	}
	defer conn.Close()

	switch status {
	case 0:
		// Re-check under the lock: a concurrent Connect may have won the race
		// since the guard above released it.
		c.mu.Lock()
		if c.session != nil {
			c.mu.Unlock()
			session.Close()
			c.printf("c> USER ALREADY CONNECTED")
			return ResultUserError
		}
		c.session = session
		c.mu.Unlock()
		c.printf("c> CONNECT OK")
		return ResultOK
	case 1:
		session.Close()
		c.printf("c> CONNECT FAIL, USER DOES NOT EXIST")
		return ResultUserError
	case 2:
		session.Close()
		c.printf("c> USER ALREADY CONNECTED")
		return ResultUserError
	case 3:
		session.Close()
		c.printf("c> CONNECT FAIL")
		return ResultError
	default:
		session.Close()
		c.printf("c> UNKNOWN RESPONSE FROM SERVER: %d", status)
		return ResultError
	}
}

// Disconnect ends the session. The local peer endpoint is stopped only once
// the directory has acknowledged.
func (c *Client) Disconnect(user string) Result {
	if !validUserName(user) {
		c.printf("Error: Invalid username length")
		return ResultUserError
	}

	_, conn, status, err := c.exchange(wire.VerbDisconnect, user)
	if err != nil {
		c.printf("c> DISCONNECT CLIENT ERROR - %v", err)
		return ResultError
	}
	defer conn.Close()

	switch status {
	case 0:
		c.closeSessionFor(user)
		c.printf("c> DISCONNECT OK")
		return ResultOK
	case 1:
		c.printf("c> DISCONNECT FAIL, USER DOES NOT EXIST")
		return ResultUserError
	case 2:
		c.printf("c> DISCONNECT FAIL, USER NOT CONNECTED")
		return ResultUserError
	case 3:
		c.printf("c> DISCONNECT FAIL")
		return ResultError
	default:
		c.printf("c> UNKNOWN RESPONSE FROM SERVER: %d", status)
		return ResultError
	}
}

func (c *Client) closeSessionFor(user string) {
	c.mu.Lock()
	session := c.session
	if session != nil && session.User == user {
		c.session = nil
	} else {
		session = nil
	}
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
}

// Publish advertises a local file in the directory.
func (c *Client) Publish(path, description string) Result {
	abs, err := normalizePath(path)
	if err != nil {
		c.printf("Error: %v", err)
		return ResultUserError
	}
	if info, err := os.Stat(abs); err != nil || info.IsDir() {
		c.printf("Error: File does not exist")
		return ResultUserError
	}
	if len(description) > wire.MaxFieldLen {
		c.printf("Error: Invalid description length")
		return ResultUserError
	}

	user := c.CurrentUser()
	if user == "" {
		c.printf("c> PUBLISH FAIL, USER NOT CONNECTED")
		return ResultUserError
	}

	_, conn, status, err := c.exchange(wire.VerbPublish, user, abs, description)
	if err != nil {
		c.printf("c> PUBLISH CLIENT ERROR - %v", err)
		return ResultError
	}
	defer conn.Close()

	switch status {
	case 0:
		c.printf("c> PUBLISH OK")
		return ResultOK
	case 1:
		c.printf("c> PUBLISH FAIL, USER DOES NOT EXIST")
		return ResultUserError
	case 2:
		c.printf("c> PUBLISH FAIL, USER NOT CONNECTED")
		return ResultUserError
	case 3:
		c.printf("c> PUBLISH FAIL, CONTENT ALREADY PUBLISHED")
		return ResultUserError
	case 4:
		c.printf("c> PUBLISH FAIL")
		return ResultError
	default:
		c.printf("c> UNKNOWN RESPONSE FROM SERVER: %d", status)
		return ResultError
	}
}

// Delete withdraws a previously published file.
func (c *Client) Delete(path string) Result {
	abs, err := normalizePath(path)
	if err != nil {
		c.printf("Error: %v", err)
		return ResultUserError
	}

	user := c.CurrentUser()
	if user == "" {
		c.printf("c> DELETE FAIL, USER NOT CONNECTED")
		return ResultUserError
	}

	_, conn, status, err := c.exchange(wire.VerbDelete, user, abs)
	if err != nil {
		c.printf("c> DELETE CLIENT ERROR - %v", err)
		return ResultError
	}
	defer conn.Close()

	switch status {
	case 0:
		c.printf("c> DELETE OK")
		return ResultOK
	case 1:
		c.printf("c> DELETE FAIL, USER DOES NOT EXIST")
		return ResultUserError
	case 2:
		c.printf("c> DELETE FAIL, USER NOT CONNECTED")
		return ResultUserError
	case 3:
		c.printf("c> DELETE FAIL, CONTENT NOT PUBLISHED")
		return ResultUserError
	case 4:
		c.printf("c> DELETE FAIL")
		return ResultError
	default:
		c.printf("c> UNKNOWN RESPONSE FROM SERVER: %d", status)
		return ResultError
	}
}

// PeerAddr is one LIST_USERS triple as received from the directory.
type PeerAddr struct {
	Name string
	IP   string
	Port string
}

// fetchConnectedUsers runs the LIST_USERS exchange and parses the reply
// without printing; ListUsers and GetFile both build on it.
func (c *Client) fetchConnectedUsers(user string) ([]PeerAddr, byte, error) {
	r, conn, status, err := c.exchange(wire.VerbListUsers, user)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	if status != 0 {
		return nil, status, nil
	}

	countStr, err := wire.ReadCString(r)
	if err != nil {
		return nil, 0, err
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 0 {
		return nil, 0, fmt.Errorf("invalid user count %q", countStr)
	}

	users := make([]PeerAddr, 0, count)
	for i := 0; i < count; i++ {
		var p PeerAddr
		if p.Name, err = wire.ReadCString(r); err != nil {
			return nil, 0, err
		}
		if p.IP, err = wire.ReadCString(r); err != nil {
			return nil, 0, err
		}
		if p.Port, err = wire.ReadCString(r); err != nil {
			return nil, 0, err
		}
		users = append(users, p)
	}

	return users, 0, nil
}

// ListUsers prints every connected user with its peer address.
func (c *Client) ListUsers() Result {
	user := c.CurrentUser()
	if user == "" {
		c.printf("c> LIST_USERS FAIL, USER NOT CONNECTED")
		return ResultUserError
	}

	users, status, err := c.fetchConnectedUsers(user)
	if err != nil {
		c.printf("c> LIST_USERS CLIENT ERROR - %v", err)
		return ResultError
	}

	switch status {
	case 0:
		c.printf("c> LIST_USERS OK")
		for i, u := range users {
			c.printf("\tUSER%d: %s %s %s", i, u.Name, u.IP, u.Port)
		}
		return ResultOK
	case 1:
		c.printf("c> LIST_USERS FAIL, USER DOES NOT EXIST")
		return ResultUserError
	case 2:
		c.printf("c> LIST_USERS FAIL, USER NOT CONNECTED")
		return ResultUserError
	case 3:
		c.printf("c> LIST_USERS FAIL")
		return ResultError
	default:
		c.printf("c> UNKNOWN RESPONSE FROM SERVER: %d", status)
		return ResultError
	}
}

// ListContent prints the paths target has published. An empty target lists
// the current user's own content. The target need not be connected.
func (c *Client) ListContent(target string) Result {
	user := c.CurrentUser()
	if user == "" {
		c.printf("c> LIST_CONTENT FAIL, USER NOT CONNECTED")
		return ResultUserError
	}

	if target == "" {
		target = user
	}
	if !validUserName(target) {
		c.printf("Error: Invalid username length")
		return ResultUserError
	}

	r, conn, status, err := c.exchange(wire.VerbListContent, user, target)
	if err != nil {
		c.printf("c> LIST_CONTENT CLIENT ERROR - %v", err)
		return ResultError
	}
	defer conn.Close()

	switch status {
	case 0:
		countStr, err := wire.ReadCString(r)
		if err != nil {
			c.printf("c> LIST_CONTENT CLIENT ERROR - %v", err)
			return ResultError
		}
		count, err := strconv.Atoi(countStr)
		if err != nil || count < 0 {
			c.printf("c> LIST_CONTENT CLIENT ERROR - invalid file count %q", countStr)
			return ResultError
		}

		paths := make([]string, 0, count)
		for i := 0; i < count; i++ {
			path, err := wire.ReadCString(r)
			if err != nil {
				c.printf("c> LIST_CONTENT CLIENT ERROR - %v", err)
				return ResultError
			}
			paths = append(paths, path)
		}

		c.printf("c> LIST_CONTENT OK")
		for i, path := range paths {
			c.printf("\tFILE%d: %s", i, path)
		}
		return ResultOK
	case 1:
		c.printf("c> LIST_CONTENT FAIL, USER DOES NOT EXIST")
		return ResultUserError
	case 2:
		c.printf("c> LIST_CONTENT FAIL, USER NOT CONNECTED")
		return ResultUserError
	case 3:
		c.printf("c> LIST_CONTENT FAIL, REMOTE USER DOES NOT EXIST")
		return ResultUserError
	case 4:
		c.printf("c> LIST_CONTENT FAIL")
		return ResultError
	default:
		c.printf("c> UNKNOWN RESPONSE FROM SERVER: %d", status)
		return ResultError
	}
}
