package alias

import (
	"sync"
	"testing"

	"github.com/raskyld/weft/pkg/ids"
	"github.com/stretchr/testify/require"
)

func instance() ids.InstanceID {
	return ids.InstanceID{Node: ids.NewNodeID(), Component: ids.NewComponentID()}
}

func TestTable_Unmapped(t *testing.T) {
	table, err := NewTable(nil)
	require.NoError(t, err)

	_, _, err = table.Resolve("out")
	require.ErrorIs(t, err, ErrUnmappedPort)
}

func TestTable_Single(t *testing.T) {
	b := instance()
	table, err := NewTable(map[ids.PortID]Output{"out": SingleOutput(b)})
	require.NoError(t, err)

	policy, targets, err := table.Resolve("out")
	require.NoError(t, err)
	require.Equal(t, Single, policy)
	require.Equal(t, []ids.InstanceID{b}, targets)
}

func TestTable_AnyRoundRobin(t *testing.T) {
	members := []ids.InstanceID{instance(), instance(), instance()}
	table, err := NewTable(map[ids.PortID]Output{"out": AnyOutput(members...)})
	require.NoError(t, err)

	delivered := make(map[ids.InstanceID]int)
	for i := 0; i < 7; i++ {
		policy, targets, err := table.Resolve("out")
		require.NoError(t, err)
		require.Equal(t, Any, policy)
		require.Len(t, targets, 1)
		require.Equal(t, members[i%3], targets[0], "round-robin must follow set order")
		delivered[targets[0]]++
	}

	for _, m := range members {
		require.GreaterOrEqual(t, delivered[m], 2, "every member must be picked")
	}
}

func TestTable_AnyRoundRobinConcurrent(t *testing.T) {
	members := []ids.InstanceID{instance(), instance(), instance()}
	table, err := NewTable(map[ids.PortID]Output{"out": AnyOutput(members...)})
	require.NoError(t, err)

	var lk sync.Mutex
	delivered := make(map[ids.InstanceID]int)
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, targets, err := table.Resolve("out")
			if err != nil {
				return
			}
			lk.Lock()
			delivered[targets[0]]++
			lk.Unlock()
		}()
	}
	wg.Wait()

	for _, m := range members {
		require.Equal(t, 10, delivered[m], "round-robin must be fair under concurrency")
	}
}

func TestTable_All(t *testing.T) {
	a, b := instance(), instance()
	table, err := NewTable(map[ids.PortID]Output{"out": AllOutput(a, b, a)})
	require.NoError(t, err)

	policy, targets, err := table.Resolve("out")
	require.NoError(t, err)
	require.Equal(t, All, policy)
	require.Equal(t, []ids.InstanceID{a, b}, targets, "duplicates are removed")
}

func TestTable_PatchIdempotent(t *testing.T) {
	b, c := instance(), instance()
	req := PatchRequest{
		FunctionID: ids.NewComponentID(),
		OutputMapping: map[ids.PortID]ids.InstanceID{
			"out": b,
			"err": c,
		},
	}

	table, err := NewTable(nil)
	require.NoError(t, err)

	require.NoError(t, table.Patch(req))
	once := table.Snapshot()
	require.NoError(t, table.Patch(req))
	twice := table.Snapshot()

	require.True(t, once.Equal(twice))
	require.Equal(t, []ids.PortID{"err", "out"}, twice.Ports())
}

func TestTable_PatchIsAtomicForReaders(t *testing.T) {
	b, c := instance(), instance()
	table, err := NewTable(map[ids.PortID]Output{"out": SingleOutput(b)})
	require.NoError(t, err)

	before := table.Snapshot()
	require.NoError(t, table.Patch(PatchRequest{OutputMapping: map[ids.PortID]ids.InstanceID{"other": c}}))

	_, targets, err := before.Targets("out")
	require.NoError(t, err, "a snapshot taken before the patch is unaffected")
	require.Equal(t, []ids.InstanceID{b}, targets)

	_, _, err = table.Resolve("out")
	require.ErrorIs(t, err, ErrUnmappedPort, "patches replace the whole mapping")

	_, targets, err = table.Resolve("other")
	require.NoError(t, err)
	require.Equal(t, []ids.InstanceID{c}, targets)
}

func TestTable_RejectsInvalidOutputs(t *testing.T) {
	_, err := NewTable(map[ids.PortID]Output{"out": AllOutput()})
	require.ErrorIs(t, err, ErrInvalidOutput)

	_, err = NewTable(map[ids.PortID]Output{"bad port": SingleOutput(instance())})
	require.ErrorIs(t, err, ErrInvalidOutput)

	_, err = NewTable(map[ids.PortID]Output{ids.SelfPort: SingleOutput(instance())})
	require.ErrorIs(t, err, ErrInvalidOutput)

	table, err := NewTable(map[ids.PortID]Output{"out": SingleOutput(instance())})
	require.NoError(t, err)
	require.ErrorIs(t, table.Replace(map[ids.PortID]Output{"out": {Policy: Single}}), ErrInvalidOutput)

	_, _, err = table.Resolve("out")
	require.NoError(t, err, "a rejected patch leaves the mapping untouched")
}
