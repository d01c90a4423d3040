package client

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerdex/peerdex/internal/directory"
)

// startDirectory runs a real directory server on an ephemeral loopback port.
func startDirectory(t *testing.T) (host string, port int) {
	t.Helper()

	srv := directory.NewServer(directory.NewStore(slog.Default()), nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("directory did not shut down")
		}
	})

	addr := srv.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func newTestClient(t *testing.T, host string, port int) (*Client, *bytes.Buffer) {
	t.Helper()

	out := &bytes.Buffer{}
	c := New(host, port, &Opts{Out: out, Log: slog.Default()})
	t.Cleanup(c.Shutdown)

	return c, out
}

// lines splits the captured console output, dropping the trailing blank.
func lines(out *bytes.Buffer) []string {
	return strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
}

func lastLine(t *testing.T, out *bytes.Buffer) string {
	t.Helper()

	all := lines(out)
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func writeTempFile(t *testing.T, name string, size int64) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	rand.New(rand.NewSource(size)).Read(data)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path, data
}

func TestRegisterTwicePrintsUsernameInUse(t *testing.T) {
	host, port := startDirectory(t)
	c, out := newTestClient(t, host, port)

	assert.Equal(t, ResultOK, c.Register("ana"))
	assert.Equal(t, "c> REGISTER OK", lastLine(t, out))

	assert.Equal(t, ResultUserError, c.Register("ana"))
	assert.Equal(t, "c> USERNAME IN USE", lastLine(t, out))
}

func TestConnectBeforeRegister(t *testing.T) {
	host, port := startDirectory(t)
	c, out := newTestClient(t, host, port)

	assert.Equal(t, ResultUserError, c.Connect("ghost"))
	assert.Equal(t, "c> CONNECT FAIL, USER DOES NOT EXIST", lastLine(t, out))
	assert.Empty(t, c.CurrentUser(), "no session after a refused connect")
}

func TestSecondLocalConnectRefused(t *testing.T) {
	host, port := startDirectory(t)
	c, out := newTestClient(t, host, port)

	require.Equal(t, ResultOK, c.Register("ana"))
	require.Equal(t, ResultOK, c.Connect("ana"))
	require.Equal(t, "ana", c.CurrentUser())

	assert.Equal(t, ResultUserError, c.Connect("ana"))
	assert.Equal(t, "c> USER ALREADY CONNECTED", lastLine(t, out))
}

func TestConcurrentConnectKeepsOneSession(t *testing.T) {
	host, port := startDirectory(t)
	c, _ := newTestClient(t, host, port)

	require.Equal(t, ResultOK, c.Register("ana"))
	require.Equal(t, ResultOK, c.Register("bob"))

	// Both directory exchanges can succeed; the client must still end up with
	// exactly one session and tear the loser's endpoint down.
	var (
		start   = make(chan struct{})
		wg      sync.WaitGroup
		results [2]Result
	)
	for i, user := range []string{"ana", "bob"} {
		i, user := i, user
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = c.Connect(user)
		}()
	}
	close(start)
	wg.Wait()

	var ok int
	for _, r := range results {
		if r == ResultOK {
			ok++
		}
	}
	assert.Equal(t, 1, ok, "exactly one CONNECT must win")
	assert.Contains(t, []string{"ana", "bob"}, c.CurrentUser())
}

func TestPublishAndListContent(t *testing.T) {
	host, port := startDirectory(t)
	c, out := newTestClient(t, host, port)
	path, _ := writeTempFile(t, "movie.mkv", 64)

	require.Equal(t, ResultOK, c.Register("ana"))
	require.Equal(t, ResultOK, c.Connect("ana"))

	assert.Equal(t, ResultOK, c.Publish(path, "a movie"))
	assert.Equal(t, "c> PUBLISH OK", lastLine(t, out))

	assert.Equal(t, ResultUserError, c.Publish(path, "again"))
	assert.Equal(t, "c> PUBLISH FAIL, CONTENT ALREADY PUBLISHED", lastLine(t, out))

	out.Reset()
	assert.Equal(t, ResultOK, c.ListContent(""))
	assert.Equal(t, []string{
		"c> LIST_CONTENT OK",
		"\tFILE0: " + path,
	}, lines(out))
}

func TestPublishRequiresSession(t *testing.T) {
	host, port := startDirectory(t)
	c, out := newTestClient(t, host, port)
	path, _ := writeTempFile(t, "movie.mkv", 64)

	require.Equal(t, ResultOK, c.Register("ana"))

	assert.Equal(t, ResultUserError, c.Publish(path, "a movie"))
	assert.Equal(t, "c> PUBLISH FAIL, USER NOT CONNECTED", lastLine(t, out))
}

func TestPublishRejectsMissingFile(t *testing.T) {
	host, port := startDirectory(t)
	c, out := newTestClient(t, host, port)

	require.Equal(t, ResultOK, c.Register("ana"))
	require.Equal(t, ResultOK, c.Connect("ana"))

	assert.Equal(t, ResultUserError,
		c.Publish(filepath.Join(t.TempDir(), "nope"), "d"))
	assert.Equal(t, "Error: File does not exist", lastLine(t, out))
}

func TestListUsersShowsConnectedPeers(t *testing.T) {
	host, port := startDirectory(t)
	ana, anaOut := newTestClient(t, host, port)
	bob, _ := newTestClient(t, host, port)

	require.Equal(t, ResultOK, ana.Register("ana"))
	require.Equal(t, ResultOK, bob.Register("bob"))
	require.Equal(t, ResultOK, ana.Connect("ana"))
	require.Equal(t, ResultOK, bob.Connect("bob"))

	anaOut.Reset()
	require.Equal(t, ResultOK, ana.ListUsers())

	got := lines(anaOut)
	require.Len(t, got, 3)
	assert.Equal(t, "c> LIST_USERS OK", got[0])
	for _, line := range got[1:] {
		assert.Regexp(t, `^\tUSER\d: (ana|bob) 127\.0\.0\.1 \d+$`, line)
	}
}

func TestUnregisterDropsSession(t *testing.T) {
	host, port := startDirectory(t)
	c, out := newTestClient(t, host, port)

	require.Equal(t, ResultOK, c.Register("ana"))
	require.Equal(t, ResultOK, c.Connect("ana"))

	assert.Equal(t, ResultOK, c.Unregister("ana"))
	assert.Equal(t, "c> UNREGISTER OK", lastLine(t, out))
	assert.Empty(t, c.CurrentUser())

	// The directory forgot the user entirely, not just the session.
	assert.Equal(t, ResultUserError, c.Connect("ana"))
	assert.Equal(t, "c> CONNECT FAIL, USER DOES NOT EXIST", lastLine(t, out))
}

func TestDisconnectThenReconnect(t *testing.T) {
	host, port := startDirectory(t)
	c, out := newTestClient(t, host, port)
	path, _ := writeTempFile(t, "movie.mkv", 64)

	require.Equal(t, ResultOK, c.Register("ana"))
	require.Equal(t, ResultOK, c.Connect("ana"))
	require.Equal(t, ResultOK, c.Publish(path, "a movie"))

	assert.Equal(t, ResultOK, c.Disconnect("ana"))
	assert.Equal(t, "c> DISCONNECT OK", lastLine(t, out))
	assert.Empty(t, c.CurrentUser())

	// Published content survives the disconnect.
	require.Equal(t, ResultOK, c.Connect("ana"))
	out.Reset()
	require.Equal(t, ResultOK, c.ListContent("ana"))
	assert.Contains(t, lines(out), "\tFILE0: "+path)
}
