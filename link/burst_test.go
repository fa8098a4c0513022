package link

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"spanlink/state"
)

func TestFJoinLinesChunksLargeMembership(t *testing.T) {
	const memberCount = 2000

	members := make(map[string]string, memberCount)
	for i := 0; i < memberCount; i++ {
		prefix := ""
		if i%3 == 0 {
			prefix = "o"
		}
		members[fmt.Sprintf("042AB%04d", i)] = prefix
	}
	table := state.NewChannelTable()
	table.Join("#crowded", 1234, "+ntk secret", members)
	c, ok := table.Get("#crowded")
	require.True(t, ok)

	lines := fjoinLines("001", c)
	require.Greater(t, len(lines), 1, "2000 members cannot fit one line")

	rebuilt := make(map[string]string, memberCount)
	for _, line := range lines {
		require.LessOrEqual(t, len(line), MaxLineLength-2,
			"every emitted line must leave room for CRLF")

		prefix, command, params, err := parseLine(line)
		require.NoError(t, err)
		require.Equal(t, "001", prefix)
		require.Equal(t, "FJOIN", command)
		require.Equal(t, "#crowded", params[0])
		require.Equal(t, "1234", params[1])
		require.Equal(t, "+ntk secret", strings.Join(params[2:len(params)-1], " "))

		for _, token := range strings.Fields(params[len(params)-1]) {
			memberPrefix, uid, found := strings.Cut(token, ",")
			require.True(t, found, "malformed member token %q", token)
			_, dup := rebuilt[uid]
			require.False(t, dup, "member %s emitted twice", uid)
			rebuilt[uid] = memberPrefix
		}
	}
	require.Equal(t, members, rebuilt,
		"concatenated membership must equal the original")
}

func TestFJoinLinesSmallChannel(t *testing.T) {
	table := state.NewChannelTable()
	table.Join("#small", 99, "", map[string]string{"001AAAAAB": "o", "001AAAAAC": ""})
	c, ok := table.Get("#small")
	require.True(t, ok)

	lines := fjoinLines("001", c)
	require.Len(t, lines, 1)

	// An empty mode token is normalized so the line stays parseable.
	_, _, params, err := parseLine(lines[0])
	require.NoError(t, err)
	require.Equal(t, []string{"#small", "99", "+", "o,001AAAAAB ,001AAAAAC"}, params)
}
