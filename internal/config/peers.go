package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/raskyld/weft/pkg/ids"
	"github.com/raskyld/weft/pkg/router"
	"gopkg.in/yaml.v3"
)

const defaultDebounce = 200 * time.Millisecond

var ErrInvalidPeers = errors.New("config: invalid peers file")

// PeersFile is a static list of the peers a node can forward events to.
//
//	peers:
//	  - node: 6f1c0b8e-8f7e-4b4a-9d2b-6c3b9a6f0c11
//	    endpoint: 10.0.0.12:6174
type PeersFile struct {
	Peers []Peer `yaml:"peers"`
}

type Peer struct {
	Node     string `yaml:"node"`
	Endpoint string `yaml:"endpoint"`
}

// PeerUpdater is implemented by `weft.Node`.
type PeerUpdater interface {
	UpdatePeers(reqs ...router.UpdatePeersRequest) error
}

// LoadPeers reads a peers file into a batch replacing the whole peer table.
func LoadPeers(path string) ([]router.UpdatePeersRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var file PeersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPeers, err)
	}

	reqs := make([]router.UpdatePeersRequest, 0, len(file.Peers)+1)
	reqs = append(reqs, router.ClearPeers())
	for i, peer := range file.Peers {
		node, err := ids.ParseNodeID(peer.Node)
		if err != nil {
			return nil, fmt.Errorf("%w: peer %d: %w", ErrInvalidPeers, i, err)
		}
		if peer.Endpoint == "" {
			return nil, fmt.Errorf("%w: peer %d has no endpoint", ErrInvalidPeers, i)
		}
		reqs = append(reqs, router.AddPeer(node, peer.Endpoint))
	}
	return reqs, nil
}

// PeersWatcher keeps the peer table of a node in sync with a peers file.
// Every change replaces the table in a single batch, a file which fails to
// load leaves the table untouched.
type PeersWatcher struct {
	path     string
	target   PeerUpdater
	logger   *slog.Logger
	debounce time.Duration

	fsw *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeersWatcher applies the file once, `Start` watches it afterwards.
func NewPeersWatcher(path string, target PeerUpdater, logger *slog.Logger) (*PeersWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	w := &PeersWatcher{
		path:     path,
		target:   target,
		logger:   logger.With("peers_file", path),
		debounce: defaultDebounce,
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload applies the current content of the file.
func (w *PeersWatcher) Reload() error {
	reqs, err := LoadPeers(w.path)
	if err != nil {
		return err
	}
	if err := w.target.UpdatePeers(reqs...); err != nil {
		return err
	}
	w.logger.Info("peers reloaded", "peers", len(reqs)-1)
	return nil
}

// Start watches the directory of the file, editors usually replace files
// rather than writing them in place.
func (w *PeersWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: failed to create file system watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("config: failed to watch %s: %w", w.path, err)
	}

	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

func (w *PeersWatcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *PeersWatcher) watchLoop() {
	defer w.wg.Done()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, func() {
				if w.ctx.Err() != nil {
					return
				}
				if err := w.Reload(); err != nil {
					w.logger.Warn("failed to reload peers", "error", err)
				}
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("peers watcher error", "error", err)
		}
	}
}
