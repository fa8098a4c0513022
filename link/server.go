// Package link implements the server-to-server linking protocol: the per-link
// handshake state machine, capability negotiation, authentication, the full
// state burst exchanged on link-up, command dispatch with spanning-tree relay,
// and split handling when a link dies.
//
// All protocol state lives behind a single reactor goroutine (Server.Run).
// Per-link goroutines only frame lines on the way in and drain a bounded
// queue on the way out, so no two state transitions, registry mutations or
// relays ever run concurrently.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"spanlink/state"
	"spanlink/tree"
)

const (
	outboundQueueSize        = 256
	eventQueueSize           = 512
	defaultMaxLinesPerSecond = 20

	defaultHandshakeTimeout = 30 * time.Second
	defaultPingInterval     = 60 * time.Second
	defaultReadTimeout      = 5 * time.Minute
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxInbound       = 32
)

// Config carries the local server identity and link-layer tunables.
type Config struct {
	ServerName  string
	SID         string
	Description string

	// Modules both sides must agree on exactly; OptModules differences are
	// tolerated and logged.
	Modules    []string
	OptModules []string

	Peers []PeerConfig

	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxLinesPerSecond float64
	MaxInbound        int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxLinesPerSecond <= 0 {
		c.MaxLinesPerSecond = defaultMaxLinesPerSecond
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = defaultMaxInbound
	}
	return c
}

type event interface{ isEvent() }

type lineEvent struct {
	l   *Link
	raw string
}

type openEvent struct{ l *Link }

type closeEvent struct {
	l   *Link
	err error
}

// funcEvent runs an arbitrary closure on the reactor goroutine. The exported
// mutation APIs use it so external callers never touch shared state directly.
type funcEvent struct{ fn func() }

func (lineEvent) isEvent()  {}
func (openEvent) isEvent()  {}
func (closeEvent) isEvent() {}
func (funcEvent) isEvent()  {}

// Server owns every link and the shared view of the network: the server tree,
// user, channel and ban tables.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *linkMetrics
	now     func() time.Time

	registry *tree.Registry
	users    *state.UserTable
	channels *state.ChannelTable
	xlines   *state.XLineTable

	events chan event
	done   chan struct{}

	mu    sync.RWMutex
	links []*Link

	dialFn func(context.Context, string) (net.Conn, error)
}

// NewServer builds a server around a fresh registry rooted at the configured
// identity.
func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if err := validateSID(cfg.SID); err != nil {
		return nil, err
	}
	registry, err := tree.New(cfg.ServerName, cfg.SID, cfg.Description)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: cfg.HandshakeTimeout}
	dialFn := func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "link")),
		metrics:  newLinkMetrics(),
		now:      time.Now,
		registry: registry,
		users:    state.NewUserTable(),
		channels: state.NewChannelTable(),
		xlines:   state.NewXLineTable(),
		events:   make(chan event, eventQueueSize),
		done:     make(chan struct{}),
		dialFn:   dialFn,
	}, nil
}

func validateSID(sid string) error {
	if len(sid) != 3 {
		return fmt.Errorf("link: SID must be exactly three characters, got %q", sid)
	}
	return nil
}

// Registry exposes the server tree for read-side consumers.
func (s *Server) Registry() *tree.Registry { return s.registry }

// Users exposes the user table.
func (s *Server) Users() *state.UserTable { return s.users }

// Channels exposes the channel table.
func (s *Server) Channels() *state.ChannelTable { return s.channels }

// XLines exposes the network ban table.
func (s *Server) XLines() *state.XLineTable { return s.xlines }

// Run processes every transport event until ctx is cancelled. It is the only
// goroutine that mutates protocol state.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll("server shutting down")
			return ctx.Err()
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

func (s *Server) handleEvent(ev event) {
	switch ev := ev.(type) {
	case openEvent:
		s.handleOpen(ev.l)
	case lineEvent:
		s.handleLine(ev.l, ev.raw)
	case closeEvent:
		s.handleTransportError(ev.l, ev.err)
	case funcEvent:
		ev.fn()
	}
}

func (s *Server) postLine(l *Link, raw string) {
	select {
	case s.events <- lineEvent{l: l, raw: raw}:
	case <-s.done:
	}
}

func (s *Server) postClose(l *Link, err error) {
	select {
	case s.events <- closeEvent{l: l, err: err}:
	case <-s.done:
	}
}

func (s *Server) post(fn func()) {
	select {
	case s.events <- funcEvent{fn: fn}:
	case <-s.done:
	}
}

// Serve accepts inbound link connections until ctx is cancelled. Callers that
// terminate TLS themselves should use AcceptConn with the verified
// certificate fingerprint instead.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	limited := netutil.LimitListener(ln, s.cfg.MaxInbound)
	go func() {
		<-ctx.Done()
		limited.Close()
	}()
	for {
		conn, err := limited.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("link: accept: %w", err)
		}
		s.AcceptConn(conn, "")
	}
}

// AcceptConn registers an inbound transport connection. fingerprint is the
// certificate fingerprint already validated by the transport layer, or empty
// when the transport carried none.
func (s *Server) AcceptConn(conn net.Conn, fingerprint string) *Link {
	l := newLink(s, conn, true, nil, fingerprint)
	s.addLink(l)
	// Queue the open before the read loop can race the peer's first lines
	// into the event stream ahead of it.
	select {
	case s.events <- openEvent{l: l}:
	case <-s.done:
		l.shutdown()
		return l
	}
	l.start()
	return l
}

// Dial opens an outbound link to the named configured peer. It returns once
// the transport is connected; the handshake proceeds on the reactor. Failed
// links are not redialled here; reconnect policy belongs to the caller.
func (s *Server) Dial(ctx context.Context, peerName string) (*Link, error) {
	peer := s.peerConfig(peerName)
	if peer == nil {
		return nil, fmt.Errorf("link: no configured peer %q", peerName)
	}
	if strings.TrimSpace(peer.Address) == "" {
		return nil, fmt.Errorf("link: peer %q has no dial address", peerName)
	}
	conn, err := s.dialFn(ctx, peer.Address)
	if err != nil {
		s.metrics.handshakeResult("dial_error")
		return nil, fmt.Errorf("link: dial %s: %w", peer.Name, err)
	}
	l := newLink(s, conn, false, peer, "")
	s.addLink(l)
	select {
	case s.events <- openEvent{l: l}:
	case <-s.done:
		l.shutdown()
		return nil, errors.New("link: server stopped")
	}
	l.start()
	return l, nil
}

// Unlink tears down the link to the named server with the given reason, as an
// operator-issued SQUIT would.
func (s *Server) Unlink(name, reason string) {
	s.post(func() {
		for _, l := range s.linksSnapshot() {
			if strings.EqualFold(l.Name(), name) {
				s.closeLink(l, reason, true)
				return
			}
		}
	})
}

func (s *Server) peerConfig(name string) *PeerConfig {
	for i := range s.cfg.Peers {
		if strings.EqualFold(s.cfg.Peers[i].Name, name) {
			return &s.cfg.Peers[i]
		}
	}
	return nil
}

func (s *Server) addLink(l *Link) {
	s.mu.Lock()
	s.links = append(s.links, l)
	s.mu.Unlock()
	s.metrics.setLinkCount(s.LinkCount())
}

func (s *Server) removeLink(l *Link) {
	s.mu.Lock()
	for i, cur := range s.links {
		if cur == l {
			s.links = append(s.links[:i], s.links[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.metrics.setLinkCount(s.LinkCount())
}

func (s *Server) linksSnapshot() []*Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Link, len(s.links))
	copy(out, s.links)
	return out
}

// LinkCount reports the number of links in any non-closed state.
func (s *Server) LinkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

// linkForSID returns the link that directly carries the given server, if any.
func (s *Server) linkForSID(sid string) *Link {
	for _, l := range s.linksSnapshot() {
		if l.node == sid {
			return l
		}
	}
	return nil
}

func (s *Server) handleOpen(l *Link) {
	if l.state == StateClosed {
		return
	}
	if !l.inbound {
		l.state = StateWaitAuthOut
	}
	s.logger.Info("Link transport up",
		slog.String("peer", l.Name()),
		slog.Bool("inbound", l.inbound),
		slog.String("state", l.state.String()))
	s.sendCapab(l)
}

// sendCapab transmits the local capability announcement: version, mandatory
// and optional module lists, and auxiliary keys including our challenge.
func (s *Server) sendCapab(l *Link) {
	challenge, err := newChallenge()
	if err != nil {
		s.closeLink(l, "internal error", false)
		return
	}
	l.ourChallenge = challenge
	l.sendLine(formatLine("", "CAPAB", "START", fmt.Sprintf("%d", ProtocolVersion)))
	if len(s.cfg.Modules) > 0 {
		l.sendLine(formatLine("", "CAPAB", "MODULES", joinList(s.cfg.Modules)))
	}
	if len(s.cfg.OptModules) > 0 {
		l.sendLine(formatLine("", "CAPAB", "MODSUPPORT", joinList(s.cfg.OptModules)))
	}
	l.sendLine(formatLine("", "CAPAB", "CAPABILITIES",
		fmt.Sprintf("CHALLENGE=%s MAXLINE=%d", challenge, MaxLineLength)))
	l.sendLine(formatLine("", "CAPAB", "END"))
}

func (s *Server) handleLine(l *Link, raw string) {
	if l.state == StateClosed {
		return
	}
	s.metrics.lineIn()
	trimmed := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return
	}
	prefix, command, params, err := parseLine(trimmed)
	if err != nil {
		s.violation(l, fmt.Errorf("%w: %v", ErrProtocol, err))
		return
	}

	cmd, known := commands[command]
	if !known {
		if l.state != StateConnected || l.strict() {
			s.violation(l, fmt.Errorf("%w: unknown command %s", ErrProtocol, command))
			return
		}
		// Forward-compatibility: propagate commands we do not understand.
		if !l.syncing.Load() {
			s.broadcast(l, trimmed)
		}
		return
	}
	if l.state != StateConnected && !cmd.preAuth {
		s.violation(l, fmt.Errorf("%w: %s before handshake completed", ErrProtocol, command))
		return
	}
	if len(params) < cmd.minParams {
		s.violation(l, fmt.Errorf("%w: %s expects at least %d parameters, got %d",
			ErrProtocol, command, cmd.minParams, len(params)))
		return
	}

	relay, err := cmd.handler(s, l, prefix, params)
	if err != nil {
		if fatalToLink(err) {
			s.violation(l, err)
			return
		}
		s.logger.Warn("Dropping inconsistent update",
			slog.String("peer", l.Name()),
			slog.String("command", command),
			slog.Any("error", err))
		return
	}
	if relay && !l.syncing.Load() {
		s.broadcast(l, trimmed)
	}
}

// violation closes the link for a protocol, capability or authentication
// failure. Auth failures are reported to the peer generically; the detailed
// reason stays in the local log.
func (s *Server) violation(l *Link, err error) {
	notice := err.Error()
	if errors.Is(err, ErrAuthFailed) {
		notice = "Invalid credentials"
	}
	s.logger.Error("Link failed",
		slog.String("peer", l.Name()),
		slog.String("state", l.state.String()),
		slog.Any("error", err))
	s.closeLink(l, notice, true)
}

func (s *Server) handleTransportError(l *Link, err error) {
	if l.state == StateClosed {
		return
	}
	s.logger.Warn("Link transport error",
		slog.String("peer", l.Name()),
		slog.Any("error", err))
	s.closeLink(l, "transport failure", false)
}

// closeLink is the single exit path for a link. It is idempotent; the split
// runs only when a server node had been installed.
func (s *Server) closeLink(l *Link, reason string, sendError bool) {
	if l.state == StateClosed {
		return
	}
	wasConnected := l.state == StateConnected
	l.state = StateClosed
	l.capab.reset()
	s.removeLink(l)

	// Stop the write loop before the farewell so the ERROR line cannot
	// interleave with a queued write.
	l.cancel()
	if sendError {
		_ = l.writeLine(formatLine("", "ERROR", reason))
	}
	l.shutdown()

	if !wasConnected {
		s.metrics.handshakeResult("failed")
		s.logger.Info("Handshake abandoned",
			slog.String("peer", l.Name()),
			slog.String("reason", reason))
		return
	}
	s.splitLink(l, reason)
}

// splitLink excises the departed peer's subtree and announces the removal to
// the remaining links exactly once.
func (s *Server) splitLink(l *Link, reason string) {
	if l.node == "" {
		return
	}
	sid := l.node
	l.node = ""
	res, err := s.registry.Split(sid, &tableScrubber{users: s.users, channels: s.channels})
	if err != nil {
		s.logger.Error("Split failed", slog.String("sid", sid), slog.Any("error", err))
		return
	}
	l.lostServers = len(res.Servers)
	l.lostUsers = res.Users
	s.metrics.split(len(res.Servers), res.Users)
	s.logger.Info("Server split from network",
		slog.String("server", l.remoteName),
		slog.String("sid", sid),
		slog.Int("lost_servers", l.lostServers),
		slog.Int("lost_users", l.lostUsers),
		slog.String("reason", reason))
	s.broadcast(l, formatLine(s.cfg.SID, "SQUIT", sid, reason))
}

// broadcast relays a line to every connected link except the origin. With the
// topology a tree this reaches each remaining server exactly once.
func (s *Server) broadcast(origin *Link, line string) {
	for _, l := range s.linksSnapshot() {
		if l == origin || l.state != StateConnected {
			continue
		}
		l.sendLine(line)
		s.metrics.lineOut()
	}
}

func (s *Server) closeAll(reason string) {
	for _, l := range s.linksSnapshot() {
		s.closeLink(l, reason, true)
	}
}

// tick enforces handshake deadlines and drives keepalives. A missed PONG by
// the following scheduled check counts as a transport failure.
func (s *Server) tick(now time.Time) {
	for _, l := range s.linksSnapshot() {
		switch l.state {
		case StateConnecting, StateWaitAuthOut, StateWaitAuthIn:
			if now.Sub(l.started) > s.cfg.HandshakeTimeout {
				s.violation(l, fmt.Errorf("%w: handshake timed out", ErrProtocol))
			}
		case StateConnected:
			if now.Before(l.nextPing) {
				continue
			}
			if !l.lastPingOK {
				s.logger.Warn("Ping timeout", slog.String("peer", l.Name()))
				s.closeLink(l, "Ping timeout", true)
				continue
			}
			l.lastPingOK = false
			l.nextPing = now.Add(s.cfg.PingInterval)
			l.sendLine(formatLine(s.cfg.SID, "PING", s.cfg.SID, l.remoteSID))
		}
	}
}

// tableScrubber removes a departing server's users from both the user table
// and every channel they were in.
type tableScrubber struct {
	users    *state.UserTable
	channels *state.ChannelTable
}

func (t *tableScrubber) RemoveByServer(sid string) int {
	uids := t.users.UIDsByServer(sid)
	for _, uid := range uids {
		t.channels.RemoveUser(uid)
		t.users.Remove(uid)
	}
	return len(uids)
}
