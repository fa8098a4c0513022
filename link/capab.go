package link

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Supported wire protocol versions. A peer announcing a version outside this
// range is rejected during negotiation.
const (
	MinProtocolVersion = 1202
	MaxProtocolVersion = 1205
	ProtocolVersion    = 1205
)

// capabState collects what the peer announced between CAPAB START and CAPAB
// END. Everything except the accept decision and the module diff is discarded
// once the link is established.
type capabState struct {
	version    int
	modules    []string
	optModules []string
	keys       map[string]string
	complete   bool
}

func (c *capabState) addKeys(tokens []string) {
	if c.keys == nil {
		c.keys = make(map[string]string)
	}
	for _, token := range tokens {
		key, value, _ := strings.Cut(token, "=")
		if key = strings.TrimSpace(key); key != "" {
			c.keys[key] = value
		}
	}
}

// reset drops negotiation state retained only for the handshake.
func (c *capabState) reset() {
	c.modules = nil
	c.optModules = nil
	c.keys = nil
}

func splitList(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

// listDifference returns the symmetric difference of two module lists, sorted,
// so a rejection can tell the operator exactly which modules are missing on
// which side.
func listDifference(ours, theirs []string) []string {
	count := make(map[string]int, len(ours)+len(theirs))
	for _, m := range ours {
		count[m] |= 1
	}
	for _, m := range theirs {
		count[m] |= 2
	}
	var diff []string
	for m, mask := range count {
		if mask != 3 {
			diff = append(diff, m)
		}
	}
	sort.Strings(diff)
	return diff
}

// reconcileCapab decides whether the peer's announcement is compatible with
// the local configuration. Mandatory module lists must be set-equal; optional
// differences are reported back for logging only.
func reconcileCapab(local Config, remote *capabState) (optDiff []string, err error) {
	if remote.version < MinProtocolVersion || remote.version > MaxProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d (supported %d-%d)",
			ErrCapabMismatch, remote.version, MinProtocolVersion, MaxProtocolVersion)
	}
	if diff := listDifference(local.Modules, remote.modules); len(diff) > 0 {
		return nil, fmt.Errorf("%w: mismatched required modules: %s",
			ErrCapabMismatch, joinList(diff))
	}
	return listDifference(local.OptModules, remote.optModules), nil
}

func parseVersion(token string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(token))
	if err != nil {
		return 0, fmt.Errorf("%w: malformed protocol version %q", ErrCapabMismatch, token)
	}
	return v, nil
}
