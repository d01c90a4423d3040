package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/peerdex/peerdex/internal/peersrv"
	"github.com/peerdex/peerdex/internal/wire"
)

// remoteSeeder is one triple of the directory's GET_MULTIFILE reply: where to
// fetch from and the seeder's own path for the file.
type remoteSeeder struct {
	IP   string
	Port string
	Path string
}

// GetFile fetches remotePath whole from a single peer. The peer's address is
// discovered through LIST_USERS, so the target must be connected. Both paths
// are resolved locally; the peer only ever sees an absolute remote path.
func (c *Client) GetFile(user, remotePath, localPath string) Result {
	if !validUserName(user) {
		c.printf("Error: Invalid username length")
		return ResultUserError
	}
	remote, err := normalizePath(remotePath)
	if err != nil {
		c.printf("Error: %v", err)
		return ResultUserError
	}
	local, err := normalizePath(localPath)
	if err != nil {
		c.printf("Error: %v", err)
		return ResultUserError
	}

	caller := c.CurrentUser()
	if caller == "" {
		c.printf("c> GET_FILE FAIL, USER NOT CONNECTED")
		return ResultUserError
	}

	users, status, err := c.fetchConnectedUsers(caller)
	if err != nil || status != 0 {
		c.printf("c> GET_FILE FAIL")
		return ResultError
	}

	var addr string
	for _, u := range users {
		if u.Name == user {
			addr = net.JoinHostPort(u.IP, u.Port)
			break
		}
	}
	if addr == "" {
		c.printf("c> GET_FILE FAIL, REMOTE USER NOT CONNECTED")
		return ResultUserError
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.printf("c> GET_FILE CLIENT ERROR - %v", err)
		return ResultError
	}
	defer conn.Close()

	if err := writePeerRequest(conn, wire.VerbGetFile, remote); err != nil {
		c.printf("c> GET_FILE CLIENT ERROR - %v", err)
		return ResultError
	}

	peerStatus, err := wire.ReadStatus(conn)
	if err != nil {
		c.printf("c> GET_FILE CLIENT ERROR - %v", err)
		return ResultError
	}
	switch peerStatus {
	case peersrv.StatusOK:
	case peersrv.StatusNotFound:
		c.printf("c> GET_FILE FAIL, FILE NOT EXIST")
		return ResultUserError
	default:
		c.printf("c> GET_FILE FAIL")
		return ResultError
	}

	if err := receiveToFile(conn, local); err != nil {
		c.printf("c> GET_FILE FAIL")
		return ResultError
	}

	c.printf("c> GET_FILE OK")
	return ResultOK
}

// GetMultifile fetches remotePath from every seeder the directory knows, one
// byte range per seeder in parallel, and reassembles the segments into
// localPath. If any seeder fails the whole download fails; nothing partial is
// delivered.
func (c *Client) GetMultifile(remotePath, localPath string) Result {
	if remotePath == "" || len(remotePath) > wire.MaxFieldLen ||
		localPath == "" || len(localPath) > wire.MaxFieldLen {
		c.printf("Error: Invalid filename length")
		return ResultUserError
	}

	caller := c.CurrentUser()
	if caller == "" {
		c.printf("c> GET_MULTIFILE FAIL, USER NOT CONNECTED")
		return ResultUserError
	}

	seeders, status, err := c.fetchSeeders(caller, remotePath)
	if err != nil {
		c.printf("c> GET_MULTIFILE CLIENT ERROR - %v", err)
		return ResultError
	}
	switch status {
	case 0:
	case 1:
		c.printf("c> GET_MULTIFILE FAIL, NO SEEDERS FOUND")
		return ResultUserError
	default:
		c.printf("c> GET_MULTIFILE FAIL")
		return ResultError
	}

	if err := c.downloadSegments(seeders, localPath); err != nil {
		c.log.Warn("multi-seeder download failed", "path", remotePath, "error", err.Error())
		c.printf("c> GET_MULTIFILE FAIL")
		return ResultError
	}

	c.printf("c> GET_MULTIFILE OK")
	return ResultOK
}

// fetchSeeders runs the directory side of GET_MULTIFILE. The seeder count is
// a single raw octet, unlike the decimal-string counts of the listing verbs.
func (c *Client) fetchSeeders(caller, path string) ([]remoteSeeder, byte, error) {
	r, conn, status, err := c.exchange(wire.VerbGetMultifile, caller, path)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	if status != 0 {
		return nil, status, nil
	}

	count, err := wire.ReadStatus(r)
	if err != nil {
		return nil, 0, err
	}

	seeders := make([]remoteSeeder, 0, count)
	for i := 0; i < int(count); i++ {
		var s remoteSeeder
		if s.IP, err = wire.ReadCString(r); err != nil {
			return nil, 0, err
		}
		if s.Port, err = wire.ReadCString(r); err != nil {
			return nil, 0, err
		}
		if s.Path, err = wire.ReadCString(r); err != nil {
			return nil, 0, err
		}
		seeders = append(seeders, s)
	}

	if len(seeders) == 0 {
		return nil, 1, nil
	}
	return seeders, 0, nil
}

// downloadSegments fetches one byte range per seeder in parallel, then
// concatenates the segments in index order into localPath. Segment files are
// removed on every exit path.
func (c *Client) downloadSegments(seeders []remoteSeeder, localPath string) error {
	total := len(seeders)

	segment := func(i int) string {
		return fmt.Sprintf("%s.part%d", localPath, i)
	}
	defer func() {
		for i := 0; i < total; i++ {
			os.Remove(segment(i))
		}
	}()

	var g errgroup.Group
	for i, s := range seeders {
		i, s := i, s
		g.Go(func() error {
			return fetchSegment(s, i, total, segment(i))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out, err := os.Create(localPath)
	if err != nil {
		return err
	}

	for i := 0; i < total; i++ {
		if err := appendSegment(out, segment(i)); err != nil {
			out.Close()
			os.Remove(localPath)
			return fmt.Errorf("segment %d: %w", i, err)
		}
	}

	return out.Close()
}

// fetchSegment asks one seeder for its range and writes the bytes to path.
// The seeder decides the range itself from (id, total); the stream simply
// runs to EOF.
func fetchSegment(s remoteSeeder, id, total int, path string) error {
	conn, err := net.Dial("tcp", net.JoinHostPort(s.IP, s.Port))
	if err != nil {
		return err
	}
	defer conn.Close()

	err = writePeerRequest(conn, wire.VerbGetMultifile,
		s.Path, strconv.Itoa(id), strconv.Itoa(total))
	if err != nil {
		return err
	}

	status, err := wire.ReadStatus(conn)
	if err != nil {
		return err
	}
	if status != peersrv.StatusOK {
		return fmt.Errorf("seeder %s answered status %d", s.IP, status)
	}

	return receiveToFile(conn, path)
}

func writePeerRequest(conn net.Conn, verb string, fields ...string) error {
	w := bufio.NewWriter(conn)

	if err := wire.WriteCString(w, verb); err != nil {
		return err
	}
	for _, f := range fields {
		if err := wire.WriteCString(w, f); err != nil {
			return err
		}
	}

	return w.Flush()
}

// receiveToFile drains r into a freshly created file, removing it again if
// the transfer dies midway.
func receiveToFile(r io.Reader, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	return f.Close()
}

// appendSegment copies one completed segment into the assembled output.
func appendSegment(out *os.File, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(out, f)
	return err
}
