package link

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"spanlink/state"
	"spanlink/tree"
)

// sendBurst transmits the full known network state to a freshly connected
// peer. The order is fixed because later categories reference earlier ones:
// servers, then network bans, then channels, then users. Burst traffic is
// directional; the receiver applies it without relaying.
func (s *Server) sendBurst(l *Link) {
	sid := s.cfg.SID
	now := s.now()
	lines := 0
	send := func(line string) {
		l.sendLine(line)
		lines++
	}

	send(formatLine(sid, "BURST", strconv.FormatInt(now.Unix(), 10)))
	s.burstServers(l, send)
	s.burstXLines(send, now)
	s.burstChannels(send)
	s.burstUsers(send)
	send(formatLine(sid, "ENDBURST"))

	s.metrics.burstSent()
	s.logger.Info("Burst sent",
		slog.String("server", l.remoteName),
		slog.Int("lines", lines))
}

// burstServers recursively announces every server reachable through the
// other links, each prefixed by its parent so the peer can rebuild the tree.
// Hop counts are emitted relative to the peer; only their ordering matters,
// since the receiver recomputes distances from its own root.
func (s *Server) burstServers(l *Link, send func(string)) {
	var walk func(n *tree.Node)
	walk = func(n *tree.Node) {
		for _, sid := range n.ChildSIDs() {
			child := s.registry.FindSID(sid)
			if child == nil || child.SID == l.node {
				continue
			}
			send(formatLine(n.SID, "SERVER",
				child.Name, "*", strconv.Itoa(child.Hops+1), child.SID, child.Desc))
			walk(child)
		}
	}
	walk(s.registry.Root())
}

func (s *Server) burstXLines(send func(string), now time.Time) {
	for _, x := range s.xlines.Active(now) {
		send(formatLine(s.cfg.SID, "ADDLINE",
			x.Type, x.Mask, x.SetBy,
			strconv.FormatInt(x.SetTS, 10),
			strconv.FormatInt(x.Duration, 10),
			x.Reason))
	}
}

func (s *Server) burstChannels(send func(string)) {
	for _, c := range s.channels.Snapshot() {
		for _, line := range fjoinLines(s.cfg.SID, c) {
			send(line)
		}
		if c.Topic != "" {
			send(formatLine(s.cfg.SID, "FTOPIC",
				c.Name, strconv.FormatInt(c.TopicTS, 10), c.TopicBy, c.Topic))
		}
	}
}

func (s *Server) burstUsers(send func(string)) {
	for _, u := range s.users.Snapshot() {
		modes := u.Modes
		if modes == "" {
			modes = "+"
		}
		send(formatLine(u.ServerID, "UID",
			u.UID, strconv.FormatInt(u.TS, 10), u.Nick, u.Ident, u.Host, u.IP, modes))
		if u.OperType != "" {
			send(formatLine(u.UID, "OPERTYPE", u.OperType))
		}
		if u.Away != "" {
			send(formatLine(u.UID, "AWAY", u.Away))
		}
	}
}

// fjoinLines renders a channel's membership as one or more FJOIN lines, none
// exceeding the line length limit. Mode tokens may contain spaces (mode
// parameters), so the head of the line is assembled by hand rather than as
// positional parameters.
func fjoinLines(sid string, c state.Channel) []string {
	modes := c.Modes
	if modes == "" {
		modes = "+"
	}
	base := fmt.Sprintf(":%s FJOIN %s %d %s :", sid, c.Name, c.TS, modes)
	budget := MaxLineLength - 2 - len(base)

	prefixes := c.Members()
	var lines []string
	var chunk []string
	used := 0
	flush := func() {
		if len(chunk) > 0 {
			lines = append(lines, base+strings.Join(chunk, " "))
			chunk = nil
			used = 0
		}
	}
	for _, uid := range c.MemberUIDs() {
		token := prefixes[uid] + "," + uid
		cost := len(token)
		if len(chunk) > 0 {
			cost++
		}
		if used+cost > budget {
			flush()
			cost = len(token)
		}
		chunk = append(chunk, token)
		used += cost
	}
	flush()
	if len(lines) == 0 {
		lines = append(lines, base)
	}
	return lines
}
