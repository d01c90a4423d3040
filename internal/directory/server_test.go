package directory

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerdex/peerdex/internal/wire"
)

// startServer brings up a full server on an ephemeral loopback port and tears
// it down with the test.
func startServer(t *testing.T) string {
	t.Helper()

	srv := NewServer(NewStore(slog.Default()), nil)
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
			t.Error("server did not shut down")
		}
	})

	return srv.Addr().String()
}

// request performs one exchange: verb, timestamp, user plus extras out, the
// status byte back. The reader carries any payload.
func request(t *testing.T, addr, verb, user string, extras ...string) (byte, *bufio.Reader, net.Conn) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	w := bufio.NewWriter(conn)
	require.NoError(t, wire.WriteCString(w, verb))
	require.NoError(t, wire.WriteCString(w, "20/10/2025 17:05:23"))
	require.NoError(t, wire.WriteCString(w, user))
	for _, f := range extras {
		require.NoError(t, wire.WriteCString(w, f))
	}
	require.NoError(t, w.Flush())

	r := bufio.NewReader(conn)
	status, err := wire.ReadStatus(r)
	require.NoError(t, err)

	return status, r, conn
}

func statusOf(t *testing.T, addr, verb, user string, extras ...string) byte {
	t.Helper()

	status, _, _ := request(t, addr, verb, user, extras...)
	return status
}

func TestRegisterOverTheWire(t *testing.T) {
	addr := startServer(t)

	assert.Equal(t, RegisterOK, statusOf(t, addr, wire.VerbRegister, "ana"))
	assert.Equal(t, RegisterDuplicate, statusOf(t, addr, wire.VerbRegister, "ana"))
	assert.Equal(t, RegisterOK, statusOf(t, addr, wire.VerbRegister, "bob"))
}

func TestConnectBeforeRegister(t *testing.T) {
	addr := startServer(t)

	assert.Equal(t, ConnectNoUser,
		statusOf(t, addr, wire.VerbConnect, "ghost", "9000"))
}

func TestConnectRejectsBadPort(t *testing.T) {
	addr := startServer(t)
	require.Equal(t, RegisterOK, statusOf(t, addr, wire.VerbRegister, "ana"))

	assert.Equal(t, ConnectError,
		statusOf(t, addr, wire.VerbConnect, "ana", "80"), "privileged port")
	assert.Equal(t, ConnectError,
		statusOf(t, addr, wire.VerbConnect, "ana", "not-a-port"))
	assert.Equal(t, ConnectOK,
		statusOf(t, addr, wire.VerbConnect, "ana", "9000"))
}

func TestListUsersPayload(t *testing.T) {
	addr := startServer(t)
	require.Equal(t, RegisterOK, statusOf(t, addr, wire.VerbRegister, "ana"))
	require.Equal(t, RegisterOK, statusOf(t, addr, wire.VerbRegister, "bob"))
	require.Equal(t, ConnectOK, statusOf(t, addr, wire.VerbConnect, "ana", "9001"))
	require.Equal(t, ConnectOK, statusOf(t, addr, wire.VerbConnect, "bob", "9002"))

	status, r, _ := request(t, addr, wire.VerbListUsers, "ana")
	require.Equal(t, ListUsersOK, status)

	countStr, err := wire.ReadCString(r)
	require.NoError(t, err)
	count, err := strconv.Atoi(countStr)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	seen := map[string]string{}
	for i := 0; i < count; i++ {
		name, err := wire.ReadCString(r)
		require.NoError(t, err)
		ip, err := wire.ReadCString(r)
		require.NoError(t, err)
		port, err := wire.ReadCString(r)
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1", ip, "address must come from the socket")
		seen[name] = port
	}

	assert.Equal(t, map[string]string{"ana": "9001", "bob": "9002"}, seen)
}

func TestListContentPayload(t *testing.T) {
	addr := startServer(t)
	require.Equal(t, RegisterOK, statusOf(t, addr, wire.VerbRegister, "ana"))
	require.Equal(t, ConnectOK, statusOf(t, addr, wire.VerbConnect, "ana", "9001"))
	require.Equal(t, PublishOK,
		statusOf(t, addr, wire.VerbPublish, "ana", "/srv/movie.mkv", "a movie"))

	status, r, _ := request(t, addr, wire.VerbListContent, "ana", "ana")
	require.Equal(t, ListContentOK, status)

	countStr, err := wire.ReadCString(r)
	require.NoError(t, err)
	require.Equal(t, "1", countStr)

	path, err := wire.ReadCString(r)
	require.NoError(t, err)
	assert.Equal(t, "/srv/movie.mkv", path)
}

func TestSeedersPayloadUsesRawCountOctet(t *testing.T) {
	addr := startServer(t)
	for _, user := range []string{"ana", "bob"} {
		require.Equal(t, RegisterOK, statusOf(t, addr, wire.VerbRegister, user))
		require.Equal(t, ConnectOK, statusOf(t, addr, wire.VerbConnect, user, "9001"))
		require.Equal(t, PublishOK,
			statusOf(t, addr, wire.VerbPublish, user, "/home/"+user+"/movie.mkv", "d"))
	}

	status, r, _ := request(t, addr, wire.VerbGetMultifile, "ana", "movie.mkv")
	require.Equal(t, SeedersOK, status)

	count, err := wire.ReadStatus(r)
	require.NoError(t, err)
	require.Equal(t, byte(2), count)

	paths := map[string]bool{}
	for i := 0; i < int(count); i++ {
		_, err := wire.ReadCString(r)
		require.NoError(t, err)
		_, err = wire.ReadCString(r)
		require.NoError(t, err)
		path, err := wire.ReadCString(r)
		require.NoError(t, err)
		paths[path] = true
	}

	assert.True(t, paths["/home/ana/movie.mkv"])
	assert.True(t, paths["/home/bob/movie.mkv"])
}

func TestUnknownVerbClosesWithoutReply(t *testing.T) {
	addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	require.NoError(t, wire.WriteCString(w, "STEAL_FILE"))
	require.NoError(t, wire.WriteCString(w, "20/10/2025 17:05:23"))
	require.NoError(t, wire.WriteCString(w, "ana"))
	require.NoError(t, w.Flush())

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF, "connection must be closed with nothing written")
}

func TestShutdownUnblocksRun(t *testing.T) {
	srv := NewServer(NewStore(slog.Default()), nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
