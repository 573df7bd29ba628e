package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstanceID_Equality(t *testing.T) {
	node := NewNodeID()
	comp := NewComponentID()

	a := InstanceID{Node: node, Component: comp}
	b := InstanceID{Node: node, Component: comp}
	c := InstanceID{Node: NewNodeID(), Component: comp}

	require.Equal(t, a, b)
	require.NotEqual(t, a, c, "instances on different nodes must differ")

	seen := map[InstanceID]bool{a: true}
	require.True(t, seen[b], "instance ids must be usable as map keys")
}

func TestInstanceID_ParseString(t *testing.T) {
	id := InstanceID{Node: NewNodeID(), Component: NewComponentID()}

	parsed, err := ParseInstanceID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseInstanceID("not-an-instance")
	require.ErrorIs(t, err, ErrInvalidID)

	_, err = ParseInstanceID(id.Node.String() + "/garbage")
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestNodeID_Text(t *testing.T) {
	id := NewNodeID()
	text, err := id.MarshalText()
	require.NoError(t, err)

	var decoded NodeID
	require.NoError(t, decoded.UnmarshalText(text))
	require.Equal(t, id, decoded)
	require.False(t, decoded.IsZero())
	require.True(t, NodeID{}.IsZero())
}

func TestValidatePortID(t *testing.T) {
	require.NoError(t, ValidatePortID("out"))
	require.NoError(t, ValidatePortID("http.req-1_a"))
	require.NoError(t, ValidatePortID(SelfPort))

	require.ErrorIs(t, ValidatePortID(""), ErrInvalidPort)
	require.ErrorIs(t, ValidatePortID("with space"), ErrInvalidPort)
	require.ErrorIs(t, ValidatePortID(PortID(strings.Repeat("a", MaxPortLength+1))), ErrInvalidPort)
}
