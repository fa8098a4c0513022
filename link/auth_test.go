package link

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewChallenge(t *testing.T) {
	a, err := newChallenge()
	require.NoError(t, err)
	b, err := newChallenge()
	require.NoError(t, err)

	require.Len(t, a, challengeLength)
	require.NotEqual(t, a, b)
	for _, r := range a {
		require.Contains(t, challengeAlphabet, string(r))
	}
}

func TestDeriveCredentialBindsChallenge(t *testing.T) {
	one := deriveCredential("secret", "challengeA")
	two := deriveCredential("secret", "challengeB")
	require.NotEqual(t, one, two, "the same secret must yield distinct credentials per challenge")
	require.Equal(t, one, deriveCredential("secret", "challengeA"))
	require.NotEqual(t, one, deriveCredential("other", "challengeA"))
}

func TestCheckCredentialPlain(t *testing.T) {
	peer := &PeerConfig{Name: "leaf.example.net", Auth: AuthPlain, RecvPass: "linkpw"}
	l := &Link{}

	require.NoError(t, l.checkCredential(peer, "linkpw"))
	require.ErrorIs(t, l.checkCredential(peer, "wrong"), ErrAuthFailed)
	require.ErrorIs(t, l.checkCredential(peer, ""), ErrAuthFailed)
}

func TestCheckCredentialChallenge(t *testing.T) {
	peer := &PeerConfig{Name: "leaf.example.net", Auth: AuthChallenge, RecvPass: "linkpw"}
	l := &Link{ourChallenge: "localchal", theirChallenge: "remotechal"}

	good := deriveCredential("linkpw", "localchal")
	require.NoError(t, l.checkCredential(peer, good))
	require.True(t, l.authChallenge)

	// A credential derived against any other challenge is a replay and fails.
	replay := deriveCredential("linkpw", "somethingelse")
	require.ErrorIs(t, l.checkCredential(peer, replay), ErrAuthFailed)
	require.ErrorIs(t, l.checkCredential(peer, "linkpw"), ErrAuthFailed)
}

func TestCheckCredentialChallengeFallsBackToPlain(t *testing.T) {
	// Peer never advertised a challenge: the raw secret is accepted instead.
	peer := &PeerConfig{Name: "leaf.example.net", Auth: AuthChallenge, RecvPass: "linkpw"}
	l := &Link{ourChallenge: "localchal"}

	require.NoError(t, l.checkCredential(peer, "linkpw"))
	require.False(t, l.authChallenge)
	require.ErrorIs(t, l.checkCredential(peer, "wrong"), ErrAuthFailed)
}

func TestCheckCredentialFingerprint(t *testing.T) {
	peer := &PeerConfig{
		Name:        "leaf.example.net",
		Auth:        AuthFingerprint,
		Fingerprint: "AB:CD:EF:01",
	}

	l := &Link{fingerprint: "ab:cd:ef:01"}
	require.NoError(t, l.checkCredential(peer, "*"), "fingerprint comparison is case-insensitive")
	require.True(t, l.authFingerprint)

	l = &Link{fingerprint: "ab:cd:ef:02"}
	require.ErrorIs(t, l.checkCredential(peer, "*"), ErrAuthFailed)

	l = &Link{}
	require.ErrorIs(t, l.checkCredential(peer, "*"), ErrAuthFailed,
		"a transport without a certificate cannot satisfy fingerprint auth")
}

func TestCheckCredentialUnknownScheme(t *testing.T) {
	peer := &PeerConfig{Name: "leaf.example.net", Auth: "kerberos"}
	l := &Link{}
	require.ErrorIs(t, l.checkCredential(peer, "anything"), ErrAuthFailed)
}

func TestOutboundCredential(t *testing.T) {
	l := &Link{theirChallenge: "remotechal"}

	require.Equal(t, deriveCredential("sendpw", "remotechal"),
		l.outboundCredential(&PeerConfig{Auth: AuthChallenge, SendPass: "sendpw"}))
	require.Equal(t, "sendpw",
		l.outboundCredential(&PeerConfig{Auth: AuthPlain, SendPass: "sendpw"}))
	require.Equal(t, "*",
		l.outboundCredential(&PeerConfig{Auth: AuthFingerprint, SendPass: "sendpw"}))

	// No challenge from the peer: fall back to the raw secret.
	l = &Link{}
	require.Equal(t, "sendpw",
		l.outboundCredential(&PeerConfig{Auth: AuthChallenge, SendPass: "sendpw"}))
}
