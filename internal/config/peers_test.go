package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/weft/pkg/ids"
	"github.com/raskyld/weft/pkg/router"
	"github.com/stretchr/testify/require"
)

// tableUpdater applies updates to a real peer table and counts batches.
type tableUpdater struct {
	table   *router.PeerTable
	batches int
	lk      sync.Mutex
}

func (u *tableUpdater) UpdatePeers(reqs ...router.UpdatePeersRequest) error {
	u.lk.Lock()
	defer u.lk.Unlock()
	u.batches++
	return u.table.Apply(reqs...)
}

func (u *tableUpdater) count() int {
	u.lk.Lock()
	defer u.lk.Unlock()
	return u.batches
}

func writePeers(t *testing.T, path string, peers map[ids.NodeID]string) {
	t.Helper()
	raw := "peers:\n"
	for node, endpoint := range peers {
		raw += "  - node: " + node.String() + "\n    endpoint: " + endpoint + "\n"
	}
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(raw), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadPeers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.yaml")
	node := ids.NewNodeID()
	writePeers(t, path, map[ids.NodeID]string{node: "10.0.0.2:6174"})

	reqs, err := LoadPeers(path)
	require.NoError(t, err)
	require.Equal(t, []router.UpdatePeersRequest{
		router.ClearPeers(),
		router.AddPeer(node, "10.0.0.2:6174"),
	}, reqs)

	require.NoError(t, os.WriteFile(path, []byte("peers:\n  - node: nope\n    endpoint: a:1\n"), 0o600))
	_, err = LoadPeers(path)
	require.ErrorIs(t, err, ErrInvalidPeers)

	require.NoError(t, os.WriteFile(path, []byte("peers:\n  - node: "+node.String()+"\n"), 0o600))
	_, err = LoadPeers(path)
	require.ErrorIs(t, err, ErrInvalidPeers)
}

func TestPeersWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.yaml")
	first, second := ids.NewNodeID(), ids.NewNodeID()
	writePeers(t, path, map[ids.NodeID]string{first: "10.0.0.2:6174"})

	updater := &tableUpdater{table: router.NewPeerTable()}
	w, err := NewPeersWatcher(path, updater, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	require.Equal(t, map[ids.NodeID]string{first: "10.0.0.2:6174"}, updater.table.Snapshot())

	require.NoError(t, w.Start())
	defer w.Stop()

	writePeers(t, path, map[ids.NodeID]string{second: "10.0.0.3:6174"})
	require.Eventually(t, func() bool {
		_, hasFirst := updater.table.Get(first)
		endpoint, hasSecond := updater.table.Get(second)
		return !hasFirst && hasSecond && endpoint == "10.0.0.3:6174"
	}, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the last good table.
	batches := updater.count()
	require.NoError(t, os.WriteFile(path, []byte("peers: ["), 0o600))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, batches, updater.count())
	require.Equal(t, 1, updater.table.Len())
}

type failingUpdater struct{}

func (failingUpdater) UpdatePeers(...router.UpdatePeersRequest) error {
	return errors.New("refused")
}

func TestPeersWatcher_InitialLoadFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.yaml")

	_, err := NewPeersWatcher(path, failingUpdater{}, nil)
	require.Error(t, err)

	writePeers(t, path, nil)
	_, err = NewPeersWatcher(path, failingUpdater{}, nil)
	require.EqualError(t, err, "refused")
}
