package link

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"spanlink/observability/logging"
	"spanlink/state"
)

func handleCapab(s *Server, l *Link, prefix string, params []string) (bool, error) {
	if l.state == StateConnected {
		return false, fmt.Errorf("%w: CAPAB on established link", ErrProtocol)
	}
	switch strings.ToUpper(params[0]) {
	case "START":
		if len(params) < 2 {
			return false, fmt.Errorf("%w: CAPAB START without version", ErrProtocol)
		}
		version, err := parseVersion(params[1])
		if err != nil {
			return false, err
		}
		// Re-entrant before CONNECTED: a fresh START discards earlier state.
		l.capab = capabState{version: version}
	case "MODULES":
		if len(params) >= 2 {
			l.capab.modules = append(l.capab.modules, splitList(params[1])...)
		}
	case "MODSUPPORT":
		if len(params) >= 2 {
			l.capab.optModules = append(l.capab.optModules, splitList(params[1])...)
		}
	case "CAPABILITIES":
		if len(params) >= 2 {
			l.capab.addKeys(strings.Fields(params[1]))
			if challenge := l.capab.keys["CHALLENGE"]; challenge != "" {
				l.theirChallenge = challenge
			}
		}
	case "END":
		optDiff, err := reconcileCapab(s.cfg, &l.capab)
		if err != nil {
			return false, err
		}
		l.optDiff = optDiff
		l.capab.complete = true
		if len(optDiff) > 0 {
			s.logger.Info("Optional module difference",
				slog.String("peer", l.Name()),
				slog.String("modules", joinList(optDiff)))
		}
		if l.state == StateWaitAuthOut {
			peer := l.peer
			l.sendLine(formatLine("", "SERVER",
				s.cfg.ServerName, l.outboundCredential(peer), "0", s.cfg.SID, s.cfg.Description))
		}
	default:
		// Unknown CAPAB phases are ignored for forward compatibility.
	}
	return false, nil
}

func handleServer(s *Server, l *Link, prefix string, params []string) (bool, error) {
	if prefix != "" {
		return handleRemoteServer(s, l, prefix, params)
	}

	// Handshake SERVER: <name> <password> <hops> <sid> :<desc>
	if l.state != StateWaitAuthIn && l.state != StateWaitAuthOut {
		return false, fmt.Errorf("%w: unexpected SERVER in state %s", ErrProtocol, l.state)
	}
	if !l.capab.complete {
		return false, fmt.Errorf("%w: SERVER before capability negotiation", ErrProtocol)
	}
	name, credential, sid, desc := params[0], params[1], params[3], params[4]

	peer := l.peer
	if peer == nil {
		peer = s.peerConfig(name)
		if peer == nil {
			return false, fmt.Errorf("%w: no link block for %q", ErrAuthFailed, name)
		}
		l.peer = peer
	}
	if !strings.EqualFold(peer.Name, name) {
		return false, fmt.Errorf("%w: expected %q, peer identified as %q", ErrAuthFailed, peer.Name, name)
	}
	if err := l.checkCredential(peer, credential); err != nil {
		return false, err
	}
	if err := validateSID(sid); err != nil {
		return false, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if s.registry.Find(name) != nil || s.registry.FindSID(sid) != nil {
		return false, fmt.Errorf("%w: server %s/%s already exists", ErrCollision, name, sid)
	}

	l.remoteName = name
	l.remoteSID = sid
	l.remoteDesc = desc

	if l.state == StateWaitAuthIn {
		l.sendLine(formatLine("", "SERVER",
			s.cfg.ServerName, l.outboundCredential(peer), "0", s.cfg.SID, s.cfg.Description))
	}
	return false, s.completeHandshake(l)
}

// completeHandshake installs the authenticated peer under the local root and
// starts the burst. Both sides have exchanged and accepted SERVER lines.
func (s *Server) completeHandshake(l *Link) error {
	node, err := s.registry.Attach(s.cfg.SID, l.remoteName, l.remoteSID, l.remoteDesc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollision, err)
	}
	l.node = node.SID
	l.state = StateConnected
	l.capab.reset()
	l.lastPingOK = true
	l.nextPing = s.now().Add(s.cfg.PingInterval)

	auth := "password"
	switch {
	case l.authFingerprint:
		auth = "fingerprint"
	case l.authChallenge:
		auth = "challenge-response"
	}
	s.metrics.handshakeResult("ok")
	s.logger.Info("Link established",
		slog.String("server", l.remoteName),
		slog.String("sid", l.remoteSID),
		slog.String("auth", auth),
		logging.MaskField("fingerprint", l.fingerprint),
		slog.Bool("inbound", l.inbound))

	// Introduce the new server to the rest of the tree, then sync it.
	s.broadcast(l, formatLine(s.cfg.SID, "SERVER", l.remoteName, "*",
		strconv.Itoa(node.Hops+1), l.remoteSID, l.remoteDesc))
	s.sendBurst(l)
	return nil
}

// handleRemoteServer introduces a server reached through the peer:
// :<parent-sid> SERVER <name> * <hops> <sid> :<desc>
func handleRemoteServer(s *Server, l *Link, prefix string, params []string) (bool, error) {
	name, sid, desc := params[0], params[3], params[4]
	if err := validateSID(sid); err != nil {
		return false, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if s.registry.Find(name) != nil || s.registry.FindSID(sid) != nil {
		// The duplicate arrived over this link; the existing entry wins.
		return false, fmt.Errorf("%w: server %s/%s introduced twice", ErrCollision, name, sid)
	}
	if _, err := s.registry.Attach(prefix, name, sid, desc); err != nil {
		return false, fmt.Errorf("introduce %s: %w", name, err)
	}
	return true, nil
}

func handleError(s *Server, l *Link, prefix string, params []string) (bool, error) {
	s.logger.Error("Remote closed link",
		slog.String("peer", l.Name()),
		slog.String("message", params[0]))
	s.closeLink(l, params[0], false)
	return false, nil
}

func handlePing(s *Server, l *Link, prefix string, params []string) (bool, error) {
	l.sendLine(formatLine(s.cfg.SID, "PONG", s.cfg.SID, params[0]))
	return false, nil
}

func handlePong(s *Server, l *Link, prefix string, params []string) (bool, error) {
	l.lastPingOK = true
	return false, nil
}

func handleBurst(s *Server, l *Link, prefix string, params []string) (bool, error) {
	l.syncing.Store(true)
	return false, nil
}

func handleEndBurst(s *Server, l *Link, prefix string, params []string) (bool, error) {
	l.syncing.Store(false)
	s.logger.Info("Burst received",
		slog.String("server", l.remoteName),
		slog.Int("servers", s.registry.Len()),
		slog.Int("users", s.users.Len()),
		slog.Int("channels", s.channels.Len()))
	return false, nil
}

// handleUID introduces a user:
// :<home-sid> UID <uid> <ts> <nick> <ident> <host> <ip> <modes>
func handleUID(s *Server, l *Link, prefix string, params []string) (bool, error) {
	if s.registry.FindSID(prefix) == nil {
		return false, fmt.Errorf("UID from unknown server %s", prefix)
	}
	ts, err := strconv.ParseInt(params[1], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: malformed UID timestamp %q", ErrProtocol, params[1])
	}
	incoming := state.User{
		UID:      params[0],
		TS:       ts,
		Nick:     params[2],
		Ident:    params[3],
		Host:     params[4],
		IP:       params[5],
		Modes:    params[6],
		ServerID: prefix,
	}
	if existing, ok := s.users.GetNick(incoming.Nick); ok && existing.UID != incoming.UID {
		if !collisionWins(incoming.TS, incoming.UID, existing.TS, existing.UID) {
			return false, fmt.Errorf("nick collision on %s lost to %s", incoming.Nick, existing.UID)
		}
		s.channels.RemoveUser(existing.UID)
		s.users.Remove(existing.UID)
	}
	if !s.users.Add(incoming) {
		return false, fmt.Errorf("duplicate UID %s", incoming.UID)
	}
	return true, nil
}

// collisionWins applies the collision tie-break: the older timestamp wins,
// and on equal timestamps the lexicographically smaller id wins.
func collisionWins(newTS int64, newID string, oldTS int64, oldID string) bool {
	if newTS != oldTS {
		return newTS < oldTS
	}
	return newID < oldID
}

func handleNick(s *Server, l *Link, prefix string, params []string) (bool, error) {
	nick := params[0]
	ts, err := strconv.ParseInt(params[1], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: malformed NICK timestamp %q", ErrProtocol, params[1])
	}
	if holder, ok := s.users.GetNick(nick); ok && holder.UID != prefix {
		if !collisionWins(ts, prefix, holder.TS, holder.UID) {
			return false, fmt.Errorf("nick change collision on %s lost to %s", nick, holder.UID)
		}
		s.channels.RemoveUser(holder.UID)
		s.users.Remove(holder.UID)
	}
	if !s.users.Rename(prefix, nick, ts) {
		return false, fmt.Errorf("NICK for unknown user %s", prefix)
	}
	return true, nil
}

func handleQuit(s *Server, l *Link, prefix string, params []string) (bool, error) {
	if _, ok := s.users.Get(prefix); !ok {
		return false, fmt.Errorf("QUIT from unknown user %s", prefix)
	}
	s.channels.RemoveUser(prefix)
	s.users.Remove(prefix)
	return true, nil
}

func handleKill(s *Server, l *Link, prefix string, params []string) (bool, error) {
	target := params[0]
	if _, ok := s.users.Get(target); !ok {
		return false, fmt.Errorf("KILL for unknown user %s", target)
	}
	s.channels.RemoveUser(target)
	s.users.Remove(target)
	return true, nil
}

func handleOperType(s *Server, l *Link, prefix string, params []string) (bool, error) {
	if !s.users.SetOperType(prefix, params[0]) {
		return false, fmt.Errorf("OPERTYPE for unknown user %s", prefix)
	}
	return true, nil
}

func handleAway(s *Server, l *Link, prefix string, params []string) (bool, error) {
	message := ""
	if len(params) > 0 {
		message = params[0]
	}
	if !s.users.SetAway(prefix, message) {
		return false, fmt.Errorf("AWAY for unknown user %s", prefix)
	}
	return true, nil
}

// handleFJoin merges channel membership:
// :<sid> FJOIN <chan> <ts> <modes> :<prefix>,<uid> <prefix>,<uid> ...
func handleFJoin(s *Server, l *Link, prefix string, params []string) (bool, error) {
	name := params[0]
	ts, err := strconv.ParseInt(params[1], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: malformed FJOIN timestamp %q", ErrProtocol, params[1])
	}
	// Mode parameters may occupy their own positions; the member list is
	// always the trailing parameter.
	modes := strings.Join(params[2:len(params)-1], " ")
	members := make(map[string]string)
	for _, token := range strings.Fields(params[len(params)-1]) {
		memberPrefix, uid, ok := strings.Cut(token, ",")
		if !ok {
			return false, fmt.Errorf("%w: malformed FJOIN member %q", ErrProtocol, token)
		}
		if _, known := s.users.Get(uid); !known && !l.syncing.Load() {
			// Burst sends channels before users, so member UIDs are
			// forward references while syncing. Outside burst an
			// unknown member is stale; drop it, keep the rest.
			continue
		}
		members[uid] = memberPrefix
	}
	s.channels.Join(name, ts, modes, members)
	return true, nil
}

func handleFMode(s *Server, l *Link, prefix string, params []string) (bool, error) {
	target := params[0]
	if !strings.HasPrefix(target, "#") {
		return false, fmt.Errorf("FMODE for non-channel target %s", target)
	}
	ts, err := strconv.ParseInt(params[1], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: malformed FMODE timestamp %q", ErrProtocol, params[1])
	}
	modes := strings.Join(params[2:], " ")
	applied := s.channels.SetModes(target, ts, modes)
	return applied, nil
}

func handleFTopic(s *Server, l *Link, prefix string, params []string) (bool, error) {
	name := params[0]
	topicTS, err := strconv.ParseInt(params[1], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: malformed FTOPIC timestamp %q", ErrProtocol, params[1])
	}
	applied := s.channels.SetTopic(name, topicTS, params[2], params[3])
	return applied, nil
}

// handleSquit removes a server subtree. A SQUIT for a directly linked server
// tears the carrying link down; its closure announces the split. A SQUIT for
// a remote server prunes the subtree and propagates.
func handleSquit(s *Server, l *Link, prefix string, params []string) (bool, error) {
	target := params[0]
	reason := params[1]
	node := s.registry.FindSID(target)
	if node == nil {
		node = s.registry.Find(target)
	}
	if node == nil {
		// Already pruned via another path; idempotent.
		return false, nil
	}
	if node.SID == s.cfg.SID {
		return false, fmt.Errorf("%w: SQUIT for local server", ErrProtocol)
	}
	if direct := s.linkForSID(node.SID); direct != nil {
		s.closeLink(direct, reason, true)
		return false, nil
	}
	res, err := s.registry.Split(node.SID, &tableScrubber{users: s.users, channels: s.channels})
	if err != nil {
		return false, err
	}
	s.metrics.split(len(res.Servers), res.Users)
	s.logger.Info("Remote server split",
		slog.String("server", node.Name),
		slog.String("sid", node.SID),
		slog.Int("lost_servers", len(res.Servers)),
		slog.Int("lost_users", res.Users),
		slog.String("reason", reason))
	return true, nil
}

// handleAddLine applies a network ban:
// :<sid> ADDLINE <type> <mask> <setby> <setts> <duration> :<reason>
func handleAddLine(s *Server, l *Link, prefix string, params []string) (bool, error) {
	setTS, err := strconv.ParseInt(params[3], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: malformed ADDLINE set time %q", ErrProtocol, params[3])
	}
	duration, err := strconv.ParseInt(params[4], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: malformed ADDLINE duration %q", ErrProtocol, params[4])
	}
	applied := s.xlines.Add(state.XLine{
		Type:     params[0],
		Mask:     params[1],
		SetBy:    params[2],
		SetTS:    setTS,
		Duration: duration,
		Reason:   params[5],
	})
	return applied, nil
}

func handleDelLine(s *Server, l *Link, prefix string, params []string) (bool, error) {
	removed := s.xlines.Remove(params[0], params[1])
	return removed, nil
}

// handleMetadata carries opaque extension state; this core transmits it
// without interpreting the payload.
func handleMetadata(s *Server, l *Link, prefix string, params []string) (bool, error) {
	return true, nil
}

// handleEncap is the opaque extension envelope; the first parameter names the
// target server mask.
func handleEncap(s *Server, l *Link, prefix string, params []string) (bool, error) {
	if params[0] == "*" || strings.EqualFold(params[0], s.cfg.SID) {
		s.logger.Debug("ENCAP addressed to local server",
			slog.String("subcommand", params[1]),
			slog.String("source", prefix))
	}
	return true, nil
}
