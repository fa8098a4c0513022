package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linkd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
ServerName = "hub.example.net"
SID = "00A"
Description = "example hub"
Modules = ["core", "chan"]

[[Link]]
Name = "leaf.example.net"
Address = "10.0.0.2:7000"
SendPass = "outgoing"
RecvPass = "incoming"
Auth = "challenge"
AutoConnect = true
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, "hub.example.net", cfg.ServerName)
	require.Equal(t, ":7000", cfg.ListenAddress, "default listener applied")
	require.EqualValues(t, 30, cfg.HandshakeTimeoutSeconds)
	require.Len(t, cfg.Links, 1)
	require.Equal(t, "challenge", cfg.Links[0].Auth)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+"\nLinkPassword = \"legacy\"\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown keys")
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing sid",
			body: "ServerName = \"a.example.net\"\nSID = \"TOOLONG\"\n",
			want: "SID",
		},
		{
			name: "duplicate link",
			body: `
ServerName = "a.example.net"
SID = "00A"
[[Link]]
Name = "b.example.net"
SendPass = "x"
RecvPass = "y"
[[Link]]
Name = "B.EXAMPLE.NET"
SendPass = "x"
RecvPass = "y"
`,
			want: "duplicate link",
		},
		{
			name: "fingerprint without value",
			body: `
ServerName = "a.example.net"
SID = "00A"
[[Link]]
Name = "b.example.net"
Auth = "fingerprint"
`,
			want: "requires Fingerprint",
		},
		{
			name: "autoconnect without address",
			body: `
ServerName = "a.example.net"
SID = "00A"
[[Link]]
Name = "b.example.net"
SendPass = "x"
RecvPass = "y"
AutoConnect = true
`,
			want: "requires an Address",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
