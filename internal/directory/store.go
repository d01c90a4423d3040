// Package directory implements the central directory: the authoritative
// in-memory map of registered users, their connected sessions and their
// published content, plus the TCP server that exposes it.
package directory

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/peerdex/peerdex/internal/wire"
)

// Status codes are verb-local: the same value carries a different meaning
// depending on the verb that produced it. The mapping below is part of the
// protocol and must not be renumbered.
const (
	RegisterOK        byte = 0
	RegisterDuplicate byte = 1
	RegisterError     byte = 2

	UnregisterOK      byte = 0
	UnregisterNoUser  byte = 1
	UnregisterError   byte = 2

	ConnectOK               byte = 0
	ConnectNoUser           byte = 1
	ConnectAlreadyConnected byte = 2
	ConnectError            byte = 3

	DisconnectOK           byte = 0
	DisconnectNoUser       byte = 1
	DisconnectNotConnected byte = 2
	DisconnectError        byte = 3

	PublishOK           byte = 0
	PublishNoUser       byte = 1
	PublishNotConnected byte = 2
	PublishDuplicate    byte = 3
	PublishError        byte = 4

	DeleteOK           byte = 0
	DeleteNoUser       byte = 1
	DeleteNotConnected byte = 2
	DeleteNotPublished byte = 3
	DeleteError        byte = 4

	ListUsersOK           byte = 0
	ListUsersNoUser       byte = 1
	ListUsersNotConnected byte = 2
	ListUsersError        byte = 3

	ListContentOK           byte = 0
	ListContentNoUser       byte = 1
	ListContentNotConnected byte = 2
	ListContentNoTarget     byte = 3
	ListContentError        byte = 4

	SeedersOK    byte = 0
	SeedersNone  byte = 1
	SeedersError byte = 2
)

// maxSeeders is the largest seeder count the one-byte GET_MULTIFILE reply can
// carry.
const maxSeeders = 255

// user is a directory-owned record. peerIP and peerPort are meaningful only
// while connected is true. published maps file path to description and
// survives disconnects; only UNREGISTER drops it.
type user struct {
	name      string
	connected bool
	peerIP    string
	peerPort  int
	published map[string]string
}

// PeerInfo is one LIST_USERS triple: a currently connected user and the
// address at which it accepts inbound peer connections.
type PeerInfo struct {
	Name string
	IP   string
	Port int
}

// Seeder is one GET_MULTIFILE triple. Path is the seeder's own published path
// for the file; the same content may live at different paths on different
// hosts.
type Seeder struct {
	IP   string
	Port int
	Path string
}

// Store holds the user table. All reads and mutations are serialized by a
// single mutex; every operation is O(users + files) and does no I/O while
// holding it, so the critical sections stay short.
//
// Nothing persists: a directory restart starts from an empty table.
type Store struct {
	mu    sync.Mutex
	users map[string]*user
	log   *slog.Logger
}

// NewStore returns an empty directory store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	return &Store{
		users: make(map[string]*user),
		log:   log.With("src", "store"),
	}
}

// Register creates an empty user record. No session is established.
func (s *Store) Register(name string) byte {
	if name == "" || len(name) > wire.MaxFieldLen {
		return RegisterError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[name]; exists {
		return RegisterDuplicate
	}

	s.users[name] = &user{
		name:      name,
		published: make(map[string]string),
	}

	return RegisterOK
}

// Unregister removes a user record entirely, ending any session and dropping
// all published entries with it.
func (s *Store) Unregister(name string) byte {
	if name == "" {
		return UnregisterError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[name]; !exists {
		return UnregisterNoUser
	}
	delete(s.users, name)

	return UnregisterOK
}

// Connect establishes the user's session, recording the address at which it
// accepts inbound peer connections. ip is observed from the accepted socket;
// port is supplied by the client and must be in the unprivileged range.
func (s *Store) Connect(name, ip string, port int) byte {
	if name == "" || ip == "" {
		return ConnectError
	}
	if port < 1024 || port > 65535 {
		return ConnectError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[name]
	if !exists {
		return ConnectNoUser
	}
	if u.connected {
		return ConnectAlreadyConnected
	}

	u.connected = true
	u.peerIP = ip
	u.peerPort = port

	return ConnectOK
}

// Disconnect ends the user's session. Published content is kept; it merely
// becomes invisible to discovery until the owner reconnects.
func (s *Store) Disconnect(name string) byte {
	if name == "" {
		return DisconnectError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[name]
	if !exists {
		return DisconnectNoUser
	}
	if !u.connected {
		return DisconnectNotConnected
	}

	u.connected = false
	u.peerIP = ""
	u.peerPort = 0

	return DisconnectOK
}

// Publish records a (path, description) entry for a connected user.
func (s *Store) Publish(name, path, desc string) byte {
	if name == "" || path == "" {
		return PublishError
	}
	if len(path) > wire.MaxFieldLen || len(desc) > wire.MaxFieldLen {
		return PublishError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[name]
	if !exists {
		return PublishNoUser
	}
	if !u.connected {
		return PublishNotConnected
	}
	if _, dup := u.published[path]; dup {
		return PublishDuplicate
	}

	u.published[path] = desc

	return PublishOK
}

// Delete removes a previously published entry of a connected user.
func (s *Store) Delete(name, path string) byte {
	if name == "" || path == "" {
		return DeleteError
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[name]
	if !exists {
		return DeleteNoUser
	}
	if !u.connected {
		return DeleteNotConnected
	}
	if _, published := u.published[path]; !published {
		return DeleteNotPublished
	}

	delete(u.published, path)

	return DeleteOK
}

// ConnectedUsers returns every currently connected user, caller included.
// Order is unspecified.
func (s *Store) ConnectedUsers(caller string) (byte, []PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.users[caller]
	if !exists {
		return ListUsersNoUser, nil
	}
	if !c.connected {
		return ListUsersNotConnected, nil
	}

	var peers []PeerInfo
	for _, u := range s.users {
		if !u.connected {
			continue
		}
		peers = append(peers, PeerInfo{Name: u.name, IP: u.peerIP, Port: u.peerPort})
	}

	return ListUsersOK, peers
}

// UserContent returns the paths the target user has published. The target
// need not be connected.
func (s *Store) UserContent(caller, target string) (byte, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.users[caller]
	if !exists {
		return ListContentNoUser, nil
	}
	if !c.connected {
		return ListContentNotConnected, nil
	}

	t, exists := s.users[target]
	if !exists {
		return ListContentNoTarget, nil
	}

	paths := make([]string, 0, len(t.published))
	for path := range t.published {
		paths = append(paths, path)
	}

	return ListContentOK, paths
}

// Seeders returns every connected user publishing the requested file.
// Matching is by base name: the same content is commonly published under
// different absolute paths on different hosts, so each seeder's own path is
// returned alongside its address. The result is capped at 255 entries, the
// most the one-byte wire count can express.
func (s *Store) Seeders(path string) (byte, []Seeder) {
	if path == "" {
		return SeedersError, nil
	}
	base := filepath.Base(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	var seeders []Seeder
	for _, u := range s.users {
		if !u.connected {
			continue
		}
		for published := range u.published {
			if filepath.Base(published) != base {
				continue
			}
			seeders = append(seeders, Seeder{IP: u.peerIP, Port: u.peerPort, Path: published})
			if len(seeders) == maxSeeders {
				s.log.Warn("seeder list truncated", "path", path)
				return SeedersOK, seeders
			}
		}
	}

	if len(seeders) == 0 {
		return SeedersNone, nil
	}
	return SeedersOK, seeders
}
