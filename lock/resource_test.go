package lock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResourceNameEqualsAndKey(t *testing.T) {
	a := NewResourceName(NamePart{"database", 0}).Child("table", 1).Child("page", 7)
	b := NewResourceName(NamePart{"database", 0}).Child("table", 1).Child("page", 7)
	c := NewResourceName(NamePart{"database", 0}).Child("table", 1).Child("page", 8)

	require.True(t, a.Equals(b))
	require.Equal(t, a.Key(), b.Key())
	require.False(t, a.Equals(c))
	require.NotEqual(t, a.Key(), c.Key())
}

func TestResourceNameParentAndRoot(t *testing.T) {
	root := NewResourceName(NamePart{"database", 0})
	require.True(t, root.IsRoot())
	_, ok := root.Parent()
	require.False(t, ok)

	table := root.Child("table", 1)
	require.False(t, table.IsRoot())
	parent, ok := table.Parent()
	require.True(t, ok)
	require.True(t, parent.Equals(root))
}

func TestResourceNameHasPrefix(t *testing.T) {
	root := NewResourceName(NamePart{"database", 0})
	table := root.Child("table", 1)
	page := table.Child("page", 7)
	otherTable := root.Child("table", 2)

	require.True(t, page.HasPrefix(root))
	require.True(t, page.HasPrefix(table))
	require.True(t, page.HasPrefix(page))
	require.False(t, page.HasPrefix(otherTable))
	require.False(t, root.HasPrefix(table))
}

func TestResourceNameString(t *testing.T) {
	n := NewResourceName(NamePart{"database", 0}).Child("table", 1).Child("page", 7)
	require.Equal(t, "database(0)/table(1)/page(7)", n.String())
}

func TestResourceNameNegativeID(t *testing.T) {
	n := NewResourceName(NamePart{"table", -3})
	require.Equal(t, "table(-3)", n.String())
}
