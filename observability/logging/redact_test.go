package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldRedactsSecrets(t *testing.T) {
	attr := MaskField("credential", "hunter2")
	require.Equal(t, RedactedValue, attr.Value.String())

	attr = MaskField("fingerprint", "ab:cd:ef")
	require.Equal(t, RedactedValue, attr.Value.String())
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	attr := MaskField("server", "leaf.example.net")
	require.Equal(t, "leaf.example.net", attr.Value.String())
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := MaskField("credential", "")
	require.Equal(t, "", attr.Value.String())
}

func TestAllowlistExcludesSecretKeys(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		require.NotContains(t, []string{"credential", "challenge", "fingerprint", "sendpass", "recvpass"}, key)
	}
}
