package link

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListDifference(t *testing.T) {
	require.Empty(t, listDifference(nil, nil))
	require.Empty(t, listDifference([]string{"m_services"}, []string{"m_services"}))

	// Symmetric: modules missing on either side are reported, sorted.
	diff := listDifference([]string{"m_chanhistory", "m_services"}, []string{"m_services", "m_xline"})
	require.Equal(t, []string{"m_chanhistory", "m_xline"}, diff)
}

func TestReconcileCapabVersions(t *testing.T) {
	local := Config{}

	for _, v := range []int{MinProtocolVersion, ProtocolVersion} {
		remote := &capabState{version: v}
		_, err := reconcileCapab(local, remote)
		require.NoError(t, err, "version %d should be accepted", v)
	}
	for _, v := range []int{0, MinProtocolVersion - 1, MaxProtocolVersion + 1} {
		remote := &capabState{version: v}
		_, err := reconcileCapab(local, remote)
		require.ErrorIs(t, err, ErrCapabMismatch, "version %d should be rejected", v)
	}
}

func TestReconcileCapabModules(t *testing.T) {
	local := Config{
		Modules:    []string{"m_services", "m_chanmodes"},
		OptModules: []string{"m_chanhistory"},
	}

	// Order within a list must not matter.
	remote := &capabState{
		version:    ProtocolVersion,
		modules:    []string{"m_chanmodes", "m_services"},
		optModules: []string{"m_chanhistory"},
	}
	optDiff, err := reconcileCapab(local, remote)
	require.NoError(t, err)
	require.Empty(t, optDiff)

	// A missing mandatory module is fatal and the error names it.
	remote = &capabState{version: ProtocolVersion, modules: []string{"m_services"}}
	_, err = reconcileCapab(local, remote)
	require.ErrorIs(t, err, ErrCapabMismatch)
	require.Contains(t, err.Error(), "m_chanmodes")

	// Optional differences are reported but tolerated.
	remote = &capabState{
		version:    ProtocolVersion,
		modules:    []string{"m_services", "m_chanmodes"},
		optModules: []string{"m_cloaking"},
	}
	optDiff, err = reconcileCapab(local, remote)
	require.NoError(t, err)
	require.Equal(t, []string{"m_chanhistory", "m_cloaking"}, optDiff)
}

func TestCapabStateKeys(t *testing.T) {
	var c capabState
	c.addKeys([]string{"CHALLENGE=abc123", "MAXLINE=512", "FLAGONLY"})
	require.Equal(t, "abc123", c.keys["CHALLENGE"])
	require.Equal(t, "512", c.keys["MAXLINE"])
	_, ok := c.keys["FLAGONLY"]
	require.True(t, ok)

	c.reset()
	require.Nil(t, c.keys)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, splitList("a,b"))
	require.Equal(t, []string{"a", "b"}, splitList(" a , ,b, "))
	require.Empty(t, splitList(""))
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("1205")
	require.NoError(t, err)
	require.Equal(t, 1205, v)

	_, err = parseVersion("12x5")
	require.ErrorIs(t, err, ErrCapabMismatch)
}
