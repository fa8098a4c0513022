package link

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Authentication schemes selectable per configured peer.
const (
	AuthPlain       = "plain"
	AuthChallenge   = "challenge"
	AuthFingerprint = "fingerprint"
)

const challengeLength = 32

// challenge alphabet is printable and free of protocol-significant bytes.
const challengeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newChallenge returns a random printable token advertised in CAPAB
// CAPABILITIES for challenge-response authentication.
func newChallenge() (string, error) {
	buf := make([]byte, challengeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("link: generate challenge: %w", err)
	}
	for i, b := range buf {
		buf[i] = challengeAlphabet[int(b)%len(challengeAlphabet)]
	}
	return string(buf), nil
}

// deriveCredential binds the configured secret to the peer's challenge so the
// value on the wire cannot be replayed against a different challenge.
func deriveCredential(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// credentialsMatch compares in constant time with respect to secret length by
// comparing fixed-size digests of both values.
func credentialsMatch(expected, received string) bool {
	if expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(expected))
	b := sha256.Sum256([]byte(received))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// outboundCredential is the value this side places in its SERVER line for the
// given peer: the challenge transform when both sides advertised challenges,
// otherwise the raw configured secret.
func (l *Link) outboundCredential(peer *PeerConfig) string {
	if peer.Auth == AuthFingerprint {
		return "*"
	}
	if peer.Auth == AuthChallenge && l.theirChallenge != "" {
		return deriveCredential(peer.SendPass, l.theirChallenge)
	}
	return peer.SendPass
}

// checkCredential validates the credential a peer presented in its SERVER
// line. The error carries the specific reason for the local log; callers must
// send the peer only a generic rejection.
func (l *Link) checkCredential(peer *PeerConfig, received string) error {
	switch peer.Auth {
	case AuthFingerprint:
		want := strings.ToLower(strings.TrimSpace(peer.Fingerprint))
		got := strings.ToLower(strings.TrimSpace(l.fingerprint))
		if want == "" {
			return fmt.Errorf("%w: no fingerprint configured for %s", ErrAuthFailed, peer.Name)
		}
		if got == "" {
			return fmt.Errorf("%w: transport presented no certificate fingerprint", ErrAuthFailed)
		}
		if !credentialsMatch(want, got) {
			return fmt.Errorf("%w: certificate fingerprint mismatch", ErrAuthFailed)
		}
		l.authFingerprint = true
		return nil
	case AuthChallenge:
		if l.ourChallenge != "" && l.theirChallenge != "" {
			if !credentialsMatch(deriveCredential(peer.RecvPass, l.ourChallenge), received) {
				return fmt.Errorf("%w: challenge response mismatch", ErrAuthFailed)
			}
			l.authChallenge = true
			return nil
		}
		// Peer did not take part in challenge exchange; fall back to the
		// raw secret as the reference implementation does.
		fallthrough
	case AuthPlain:
		if !credentialsMatch(peer.RecvPass, received) {
			return fmt.Errorf("%w: invalid password", ErrAuthFailed)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown auth scheme %q", ErrAuthFailed, peer.Auth)
	}
}
