package bridge

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"foreman/pkg/protocol"
)

// staleDialTimeout bounds the probe against a pre-existing socket file.
const staleDialTimeout = 500 * time.Millisecond

// Server owns the unix socket and the set of attached clients. Every
// client receives the full scrollback before any live bytes; if the
// child has already exited, the exit frame is replayed once per new
// connection.
type Server struct {
	path   string
	ring   *Ring
	logger *log.Logger

	// OnData receives literal client bytes; OnFrame receives decoded
	// control frames. Both may be nil.
	OnData  func([]byte)
	OnFrame func(protocol.ControlFrame)

	ln net.Listener

	mu        sync.Mutex
	clients   map[net.Conn]*client
	exitFrame []byte
	closed    bool
}

// client is one attached connection. While the scrollback replay is in
// flight, broadcast bytes are queued in backlog instead of being written
// directly, so a client attaching mid-session never sees a gap or
// reordering relative to the replay.
type client struct {
	conn net.Conn

	mu        sync.Mutex
	replaying bool
	backlog   []byte
}

// send delivers wire bytes to the client, queueing them while the
// scrollback replay is still being written.
func (c *client) send(p []byte) error {
	c.mu.Lock()
	if c.replaying {
		c.backlog = append(c.backlog, p...)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	_, err := c.conn.Write(p)
	return err
}

// NewServer creates a server for the socket at path, backed by ring.
func NewServer(path string, ring *Ring, logger *log.Logger) *Server {
	return &Server{
		path:    path,
		ring:    ring,
		logger:  logger,
		clients: make(map[net.Conn]*client),
	}
}

// Listen binds the socket, taking over a stale socket file left by a
// crashed bridge. A socket that still answers means another bridge owns
// this session; that is a hard error, never a clobber.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		conn, derr := net.DialTimeout("unix", s.path, staleDialTimeout)
		if derr == nil {
			_ = conn.Close()
			return fmt.Errorf("socket %s is owned by a live bridge", s.path)
		}
		s.logger.Warn("removing stale socket", "path", s.path)
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("accept failed", "err", err)
			}
			return
		}
		go s.serveClient(conn)
	}
}

// serveClient registers the client and snapshots the scrollback in one
// critical section, so every broadcast byte lands either in the snapshot
// or in the client's backlog, never between the two. The replay (and a
// stored exit frame, once) is written before live delivery begins.
func (s *Server) serveClient(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	snapshot := s.ring.Bytes()
	exit := s.exitFrame
	cl := &client{conn: conn, replaying: true}
	s.clients[conn] = cl
	s.mu.Unlock()

	if _, err := conn.Write(protocol.EscapeData(snapshot)); err != nil {
		s.dropClient(conn)
		return
	}
	// Flush broadcasts queued behind the replay, then go live.
	for {
		cl.mu.Lock()
		if len(cl.backlog) == 0 {
			cl.replaying = false
			cl.mu.Unlock()
			break
		}
		queued := cl.backlog
		cl.backlog = nil
		cl.mu.Unlock()
		if _, err := conn.Write(queued); err != nil {
			s.dropClient(conn)
			return
		}
	}

	if exit != nil {
		if err := cl.send(exit); err != nil {
			s.dropClient(conn)
			return
		}
	}

	var parser protocol.StreamParser
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data, frames := parser.Feed(buf[:n])
			if len(data) > 0 && s.OnData != nil {
				s.OnData(data)
			}
			if s.OnFrame != nil {
				for _, f := range frames {
					s.OnFrame(f)
				}
			}
		}
		if err != nil {
			s.dropClient(conn)
			return
		}
	}
}

func (s *Server) dropClient(conn net.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Broadcast records p in the scrollback and writes it to every attached
// client, dropping clients whose writes fail. The ring write and the
// client collection share one critical section with serveClient's
// snapshot+register, so each broadcast reaches each client exactly once.
// The ring keeps raw bytes; NULs are escaped only on the wire.
func (s *Server) Broadcast(p []byte) {
	wire := protocol.EscapeData(p)

	s.mu.Lock()
	_, _ = s.ring.Write(p)
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(wire); err != nil {
			s.dropClient(c.conn)
		}
	}
}

// SendExit broadcasts the exit frame and stores it for replay to clients
// that connect after the child has exited.
func (s *Server) SendExit(code int) {
	frame, err := protocol.EncodeFrame(protocol.ControlFrame{Type: protocol.FrameExit, Code: code})
	if err != nil {
		s.logger.Error("encode exit frame", "err", err)
		return
	}

	s.mu.Lock()
	s.exitFrame = frame
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(frame); err != nil {
			s.dropClient(c.conn)
		}
	}
}

// ClearExit forgets a stored exit frame. Used when a continuation
// reopens the session: late clients should see a live session again.
func (s *Server) ClearExit() {
	s.mu.Lock()
	s.exitFrame = nil
	s.mu.Unlock()
}

// Close stops accepting, disconnects all clients, and removes the
// socket file.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.clients = make(map[net.Conn]*client)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	_ = os.Remove(s.path)
}
