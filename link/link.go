package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// State of one link connection. Connecting and the two WaitAuth states are
// transient; Connected and Closed are terminal success and failure.
type State int32

const (
	StateConnecting State = iota
	StateWaitAuthOut
	StateWaitAuthIn
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateWaitAuthOut:
		return "WAIT_AUTH_OUT"
	case StateWaitAuthIn:
		return "WAIT_AUTH_IN"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// PeerConfig describes one configured remote server: how to reach it and how
// to authenticate in each direction.
type PeerConfig struct {
	Name        string
	Address     string // dial target; empty for inbound-only peers
	SendPass    string
	RecvPass    string
	Auth        string // AuthPlain, AuthChallenge or AuthFingerprint
	Fingerprint string
	Strict      bool // unknown commands are a violation instead of relayed
}

// Link carries the per-connection protocol state. All fields other than the
// transport plumbing are owned by the server reactor goroutine; the read and
// write loops never touch them.
type Link struct {
	server   *Server
	conn     net.Conn
	reader   *bufio.Reader
	outbound chan string
	limiter  *rate.Limiter
	inbound  bool

	state State
	peer  *PeerConfig // resolved at dial time, or on SERVER receipt inbound

	capab           capabState
	ourChallenge    string
	theirChallenge  string
	optDiff         []string
	authChallenge   bool
	authFingerprint bool
	fingerprint     string // supplied by the transport layer on TLS accept

	remoteName string
	remoteSID  string
	remoteDesc string
	node       string // SID handle into the registry once installed

	// syncing is set between the peer's BURST and ENDBURST. The reactor
	// owns the transition; the read loop peeks at it to exempt burst
	// traffic from flood limiting, hence the atomic.
	syncing atomic.Bool

	started    time.Time
	nextPing   time.Time
	lastPingOK bool

	lostUsers   int
	lostServers int

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

func newLink(s *Server, conn net.Conn, inbound bool, peer *PeerConfig, fingerprint string) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	perSec := s.cfg.MaxLinesPerSecond
	if perSec <= 0 {
		perSec = defaultMaxLinesPerSecond
	}
	burst := int(perSec) * 2
	if burst < 1 {
		burst = 1
	}
	l := &Link{
		server:      s,
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, MaxLineLength*2),
		outbound:    make(chan string, outboundQueueSize),
		limiter:     rate.NewLimiter(rate.Limit(perSec), burst),
		inbound:     inbound,
		peer:        peer,
		fingerprint: fingerprint,
		state:       StateConnecting,
		started:     s.now(),
		lastPingOK:  true,
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}
	if inbound {
		l.state = StateWaitAuthIn
	}
	return l
}

// State returns the current link state. Only meaningful from the reactor or
// after the link has settled; tests poll it across the events channel.
func (l *Link) State() State {
	return l.state
}

// Name returns the best known identity for the remote side.
func (l *Link) Name() string {
	if l.remoteName != "" {
		return l.remoteName
	}
	if l.peer != nil {
		return l.peer.Name
	}
	return l.conn.RemoteAddr().String()
}

func (l *Link) strict() bool {
	return l.peer != nil && l.peer.Strict
}

func (l *Link) start() {
	go l.readLoop()
	go l.writeLoop()
}

// sendLine queues one line for transmission. Overflowing the outbound queue
// is a transport fault: the write side cannot keep up and the reactor must
// never block on it.
func (l *Link) sendLine(line string) {
	if len(line) > MaxLineLength-2 {
		l.server.logger.Warn("Dropping oversized outbound line",
			"peer", l.Name(), "length", len(line))
		return
	}
	select {
	case <-l.ctx.Done():
	case l.outbound <- line:
	default:
		l.server.postClose(l, errors.New("link: outbound queue overflow"))
	}
}

func (l *Link) sendLinef(format string, args ...any) {
	l.sendLine(fmt.Sprintf(format, args...))
}

// readLoop frames inbound lines and posts them to the reactor. It performs no
// protocol work beyond length and rate checks so every state mutation stays on
// the reactor goroutine.
func (l *Link) readLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}
		if err := l.conn.SetReadDeadline(l.server.now().Add(l.server.cfg.ReadTimeout)); err != nil {
			l.server.postClose(l, fmt.Errorf("set read deadline: %w", err))
			return
		}
		raw, err := l.reader.ReadString('\n')
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				l.server.postClose(l, io.EOF)
			default:
				l.server.postClose(l, fmt.Errorf("read: %w", err))
			}
			return
		}
		if len(raw) > MaxLineLength {
			l.server.postClose(l, ErrLineTooLong)
			return
		}
		if !l.syncing.Load() && !l.limiter.Allow() {
			l.server.postClose(l, fmt.Errorf("%w: line rate exceeded", ErrProtocol))
			return
		}
		l.server.postLine(l, raw)
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case line, ok := <-l.outbound:
			if !ok {
				return
			}
			if err := l.writeLine(line); err != nil {
				l.server.postClose(l, fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (l *Link) writeLine(line string) error {
	if err := l.conn.SetWriteDeadline(l.server.now().Add(l.server.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := io.WriteString(l.conn, line+"\r\n")
	return err
}

// shutdown stops the transport goroutines. Registry cleanup happens in the
// reactor's closeLink, never here.
func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.conn.Close()
		close(l.closed)
	})
}
