package tree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeUsers struct {
	perServer map[string]int
	removed   []string
}

func (f *fakeUsers) RemoveByServer(sid string) int {
	f.removed = append(f.removed, sid)
	return f.perServer[sid]
}

func buildTestNet(t *testing.T) *Registry {
	t.Helper()
	r, err := New("hub.example.net", "00A", "local hub")
	require.NoError(t, err)
	_, err = r.Attach("00A", "s1.example.net", "10B", "leaf one")
	require.NoError(t, err)
	_, err = r.Attach("00A", "s2.example.net", "20C", "leaf two")
	require.NoError(t, err)
	_, err = r.Attach("10B", "s3.example.net", "30D", "behind s1")
	require.NoError(t, err)
	return r
}

func TestAttachMaintainsTreeInvariants(t *testing.T) {
	r := buildTestNet(t)

	require.Equal(t, 4, r.Len())
	require.Equal(t, "00A", r.Root().SID)

	// Every non-root parent chain must reach the root in exactly Hops steps.
	for _, n := range r.Servers() {
		steps := 0
		cur := n
		for !cur.IsRoot() {
			cur = r.FindSID(cur.Parent)
			require.NotNil(t, cur, "parent chain broke at %s", n.SID)
			steps++
			require.LessOrEqual(t, steps, r.Len(), "cycle detected from %s", n.SID)
		}
		require.Equal(t, n.Hops, steps)
	}

	// Flat index and tree agree.
	require.Same(t, r.Find("S3.Example.NET"), r.FindSID("30D"))
	require.Contains(t, r.FindSID("10B").ChildSIDs(), "30D")
}

func TestAttachRejectsDuplicates(t *testing.T) {
	r := buildTestNet(t)

	_, err := r.Attach("00A", "S1.EXAMPLE.NET", "99Z", "dup name")
	require.ErrorIs(t, err, ErrDuplicateName)

	_, err = r.Attach("00A", "fresh.example.net", "10B", "dup sid")
	require.ErrorIs(t, err, ErrDuplicateSID)

	_, err = r.Attach("XXX", "fresh.example.net", "99Z", "no parent")
	require.ErrorIs(t, err, ErrUnknownParent)

	require.Equal(t, 4, r.Len())
}

func TestSplitRemovesSubtreeAndUsers(t *testing.T) {
	r := buildTestNet(t)
	users := &fakeUsers{perServer: map[string]int{"10B": 3, "30D": 2, "20C": 7}}

	res, err := r.Split("10B", users)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"10B", "30D"}, res.Servers)
	require.Equal(t, "30D", res.Servers[0], "children are excised before parents")
	require.Equal(t, 5, res.Users)

	require.Nil(t, r.Find("s1.example.net"))
	require.Nil(t, r.FindSID("30D"))
	require.NotNil(t, r.FindSID("20C"), "sibling survives the split")
	require.NotContains(t, r.Root().ChildSIDs(), "10B")
	require.Equal(t, 2, r.Len())
}

func TestSplitIsIdempotent(t *testing.T) {
	r := buildTestNet(t)
	users := &fakeUsers{perServer: map[string]int{}}

	_, err := r.Split("10B", users)
	require.NoError(t, err)

	again, err := r.Split("10B", users)
	require.NoError(t, err)
	require.Empty(t, again.Servers)
	require.Zero(t, again.Users)
	require.Equal(t, 2, r.Len())
}

func TestSplitRefusesRoot(t *testing.T) {
	r := buildTestNet(t)
	_, err := r.Split("00A", nil)
	require.ErrorIs(t, err, ErrSplitRoot)
	require.Equal(t, 4, r.Len())
}
