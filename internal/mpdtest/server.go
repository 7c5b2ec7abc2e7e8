// Package mpdtest provides an in-process server speaking enough of the
// music player line protocol to exercise the connectors: greeting, ping,
// status, password, command lists, and idle/noidle with per-client change
// accumulation.
package mpdtest

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// DefaultVersion is announced in the greeting.
const DefaultVersion = "0.23.5"

// Server is a fake protocol server bound to 127.0.0.1 on a random port.
type Server struct {
	ln         net.Listener
	version    string
	password   string
	maxClients int
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	counts   map[string]int
	history  []string
	state    string
	volume   int
	replies  map[string][]string
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithPassword makes every command except password and ping fail with a
// permission ACK until the client authenticates.
func WithPassword(pw string) Option {
	return func(s *Server) { s.password = pw }
}

// WithVersion overrides the greeting version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithMaxClients closes connections beyond n right after accepting them,
// before the greeting.
func WithMaxClients(n int) Option {
	return func(s *Server) { s.maxClients = n }
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mpdtest: listen: %v", err)
	}
	s := &Server{
		ln:       ln,
		version:  DefaultVersion,
		log:      slog.Default().With("component", "mpdtest"),
		sessions: make(map[*session]struct{}),
		counts:   make(map[string]int),
		state:    "stop",
		volume:   50,
		replies:  make(map[string][]string),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting, drops every client and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every client connection, simulating a server
// restart or network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}

// Notify records a change in each named subsystem for every client. Clients
// currently idling on a matching subsystem are answered immediately; others
// receive the change on their next idle.
func (s *Server) Notify(subsystems ...string) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.notify(subsystems)
	}
}

// SetState sets the player state reported by status and notifies "player".
func (s *Server) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.Notify("player")
}

// SetReply installs a canned reply for cmd (first word of the command line).
func (s *Server) SetReply(cmd string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[cmd] = lines
}

// Count returns how many times cmd was received across all clients.
func (s *Server) Count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[cmd]
}

// History returns every command line received, in arrival order.
func (s *Server) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IdleClients returns how many clients are currently blocked in idle.
func (s *Server) IdleClients() int {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	n := 0
	for _, sess := range sessions {
		if sess.isIdling() {
			n++
		}
	}
	return n
}

// WaitIdleClients polls until exactly n clients are idling or timeout passes.
func (s *Server) WaitIdleClients(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.IdleClients() == n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return s.IdleClients() == n
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		sess := &session{srv: s, conn: conn, pending: make(map[string]struct{})}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		if s.maxClients > 0 && len(s.sessions) >= s.maxClients {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve()
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) record(line string) {
	cmd := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		cmd = line[:i]
	}
	s.mu.Lock()
	s.counts[strings.ToLower(cmd)]++
	s.history = append(s.history, line)
	s.mu.Unlock()
}

// ============================================================================
// Per-client session
// ============================================================================

type session struct {
	srv  *Server
	conn net.Conn

	mu         sync.Mutex
	idling     bool
	idleFilter map[string]struct{}
	pending    map[string]struct{}
	authed     bool
}

func (c *session) isIdling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idling
}

func (c *session) write(s string) {
	_, _ = c.conn.Write([]byte(s))
}

func (c *session) notify(subsystems []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range subsystems {
		c.pending[sub] = struct{}{}
	}
	if c.idling {
		c.flushIdleLocked()
	}
}

// flushIdleLocked answers a pending idle if any accumulated change matches
// its filter. Caller holds c.mu.
func (c *session) flushIdleLocked() bool {
	var matched []string
	for sub := range c.pending {
		if len(c.idleFilter) == 0 {
			matched = append(matched, sub)
			continue
		}
		if _, ok := c.idleFilter[sub]; ok {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return false
	}
	sort.Strings(matched)
	var b strings.Builder
	for _, sub := range matched {
		delete(c.pending, sub)
		fmt.Fprintf(&b, "changed: %s\n", sub)
	}
	b.WriteString("OK\n")
	c.idling = false
	c.idleFilter = nil
	c.write(b.String())
	return true
}

func (c *session) serve() {
	defer c.conn.Close()
	c.write("OK MPD " + c.srv.version + "\n")

	scanner := bufio.NewScanner(c.conn)
	var (
		inList  bool
		listOK  bool
		listBuf strings.Builder
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.srv.record(line)
		fields := strings.Fields(line)
		cmd := strings.ToLower(fields[0])
		args := fields[1:]

		switch cmd {
		case "idle":
			c.mu.Lock()
			c.idling = true
			c.idleFilter = make(map[string]struct{}, len(args))
			for _, a := range args {
				c.idleFilter[strings.ToLower(a)] = struct{}{}
			}
			c.flushIdleLocked()
			c.mu.Unlock()
			continue
		case "noidle":
			c.mu.Lock()
			if c.idling {
				c.idling = false
				c.idleFilter = nil
				c.write("OK\n")
			}
			c.mu.Unlock()
			continue
		case "close":
			return
		}

		if c.isIdling() {
			// Only noidle is legal while idling; a real server drops the client.
			c.srv.log.Debug("command while idling, dropping client", "cmd", cmd)
			return
		}

		switch cmd {
		case "command_list_begin", "command_list_ok_begin":
			inList, listOK = true, cmd == "command_list_ok_begin"
			listBuf.Reset()
			continue
		case "command_list_end":
			if inList {
				c.write(listBuf.String() + "OK\n")
				inList = false
			}
			continue
		}

		body, ack := c.handle(cmd, args)
		if inList {
			if ack != "" {
				c.write(listBuf.String() + ack)
				inList = false
				continue
			}
			listBuf.WriteString(body)
			if listOK {
				listBuf.WriteString("list_OK\n")
			}
			continue
		}
		if ack != "" {
			c.write(ack)
			continue
		}
		c.write(body + "OK\n")
	}
}

// handle returns the reply body (without OK) or an ACK line.
func (c *session) handle(cmd string, args []string) (body, ack string) {
	s := c.srv
	if s.password != "" && !c.authed && cmd != "password" && cmd != "ping" {
		return "", fmt.Sprintf("ACK [4@0] {%s} you don't have permission for \"%s\"\n", cmd, cmd)
	}

	s.mu.Lock()
	canned, ok := s.replies[cmd]
	s.mu.Unlock()
	if ok {
		if len(canned) > 0 && strings.HasPrefix(canned[0], "ACK ") {
			return "", canned[0] + "\n"
		}
		return joinLines(canned), ""
	}

	switch cmd {
	case "ping":
		return "", ""
	case "password":
		pw := ""
		if len(args) > 0 {
			pw = strings.Trim(args[0], `"`)
		}
		if s.password == "" || pw == s.password {
			c.authed = true
			return "", ""
		}
		return "", "ACK [3@0] {password} incorrect password\n"
	case "status":
		s.mu.Lock()
		body = fmt.Sprintf("volume: %d\nrepeat: 0\nrandom: 0\nsingle: 0\nconsume: 0\nplaylistlength: 0\nstate: %s\n", s.volume, s.state)
		s.mu.Unlock()
		return body, ""
	case "currentsong":
		return "", ""
	case "play", "pause", "stop":
		state := map[string]string{"play": "play", "pause": "pause", "stop": "stop"}[cmd]
		s.mu.Lock()
		s.state = state
		s.mu.Unlock()
		go s.Notify("player")
		return "", ""
	case "setvol":
		if len(args) == 1 {
			if v, err := strconv.Atoi(strings.Trim(args[0], `"`)); err == nil {
				s.mu.Lock()
				s.volume = v
				s.mu.Unlock()
				go s.Notify("mixer")
				return "", ""
			}
		}
		return "", "ACK [2@0] {setvol} Integer expected\n"
	case "update":
		go s.Notify("update", "database")
		return "updating_db: 1\n", ""
	default:
		return "", fmt.Sprintf("ACK [5@0] {} unknown command \"%s\"\n", cmd)
	}
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
