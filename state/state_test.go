package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUserTableLifecycle(t *testing.T) {
	users := NewUserTable()

	require.True(t, users.Add(User{UID: "10BAAAAAA", Nick: "alice", ServerID: "10B", TS: 100}))
	require.False(t, users.Add(User{UID: "10BAAAAAA", Nick: "alice2"}), "duplicate UID rejected")
	require.True(t, users.Add(User{UID: "20CAAAAAA", Nick: "bob", ServerID: "20C", TS: 101}))

	got, ok := users.GetNick("ALICE")
	require.True(t, ok)
	require.Equal(t, "10BAAAAAA", got.UID)

	require.False(t, users.Rename("20CAAAAAA", "alice", 102), "occupied nick refused")
	require.True(t, users.Rename("20CAAAAAA", "bobby", 102))
	_, ok = users.GetNick("bob")
	require.False(t, ok, "old nick released")

	require.Equal(t, 1, users.RemoveByServer("10B"))
	require.Equal(t, 0, users.RemoveByServer("10B"))
	require.Equal(t, 1, users.Len())
}

func TestChannelJoinTimestampAuthority(t *testing.T) {
	chans := NewChannelTable()

	chans.Join("#dev", 200, "+nt", map[string]string{"10BAAAAAA": "o"})
	chans.Join("#dev", 300, "+m", map[string]string{"20CAAAAAA": "o"})

	c, ok := chans.Get("#DEV")
	require.True(t, ok)
	require.EqualValues(t, 200, c.TS, "older creation time keeps authority")
	require.Equal(t, "+nt", c.Modes)
	members := c.Members()
	require.Equal(t, "o", members["10BAAAAAA"])
	require.Equal(t, "", members["20CAAAAAA"], "losing side joins without status")

	// A yet older join takes over and strips existing prefixes.
	chans.Join("#dev", 100, "+s", map[string]string{"30DAAAAAA": "v"})
	c, _ = chans.Get("#dev")
	require.EqualValues(t, 100, c.TS)
	require.Equal(t, "+s", c.Modes)
	require.Equal(t, "", c.Members()["10BAAAAAA"])
	require.Equal(t, "v", c.Members()["30DAAAAAA"])
}

func TestChannelTopicAndModeTieBreaks(t *testing.T) {
	chans := NewChannelTable()
	chans.Join("#ops", 500, "", map[string]string{"10BAAAAAA": ""})

	require.True(t, chans.SetTopic("#ops", 600, "alice", "first"))
	require.False(t, chans.SetTopic("#ops", 550, "bob", "stale"), "older topic TS loses")
	require.True(t, chans.SetTopic("#ops", 700, "bob", "newer"))

	require.False(t, chans.SetModes("#ops", 600, "+k pass"), "mode change newer than channel TS loses")
	require.True(t, chans.SetModes("#ops", 500, "+nt"))

	c, _ := chans.Get("#ops")
	require.Equal(t, "newer", c.Topic)
	require.Equal(t, "+nt", c.Modes)
}

func TestChannelEmptiesWhenLastUserLeaves(t *testing.T) {
	chans := NewChannelTable()
	chans.Join("#solo", 100, "", map[string]string{"10BAAAAAA": ""})
	chans.RemoveUser("10BAAAAAA")
	require.Equal(t, 0, chans.Len())
}

func TestXLineExpiryAndReplacement(t *testing.T) {
	lines := NewXLineTable()
	now := time.Unix(1000, 0)

	require.True(t, lines.Add(XLine{Type: "G", Mask: "*@bad.host", SetTS: 900, Duration: 50}))
	require.False(t, lines.Add(XLine{Type: "G", Mask: "*@bad.host", SetTS: 950}), "newer entry kept")
	require.True(t, lines.Add(XLine{Type: "G", Mask: "*@bad.host", SetTS: 800}), "older set time replaces")

	require.True(t, lines.Add(XLine{Type: "Z", Mask: "10.0.0.0/8", SetTS: 990, Duration: 5}))
	active := lines.Active(now)
	require.Len(t, active, 1, "expired entries filtered")
	require.Equal(t, "G", active[0].Type)

	require.True(t, lines.Remove("G", "*@bad.host"))
	require.False(t, lines.Remove("G", "*@bad.host"))
}
