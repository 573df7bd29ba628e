package weft

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
	"github.com/raskyld/weft/pkg/guest"
	"github.com/raskyld/weft/pkg/ids"
)

// DefaultPort is where the node listens when `WithListenOn` is not used.
const DefaultPort = 6174

type config struct {
	serfCfg      *serf.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string

	nodeID       ids.NodeID
	maxInstances int
	inboxSize    uint
	outboxSize   uint
	tombstones   int
	stateSink    guest.StateSink
	onFailure    guest.FailureHook
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which UDP interface the node listens on, port 0
// lets the kernel pick one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidAddr, port)
		}
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertise overrides the address gossiped to other nodes, it is
// needed when listening on an unspecified address behind a NAT.
func WithAdvertise(addr string, port int) Option {
	return func(c *config) error {
		c.serfCfg.MemberlistConfig.AdvertiseAddr = addr
		c.serfCfg.MemberlistConfig.AdvertisePort = port
		return nil
	}
}

// WithNodeID fixes the id of the node, a random one is generated
// otherwise.
func WithNodeID(id ids.NodeID) Option {
	return func(c *config) error {
		if id.IsZero() {
			return fmt.Errorf("%w: zero node id", ids.ErrInvalidID)
		}
		c.nodeID = id
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithHostname specifies which hostname should be exposed to other
// peers when joining the cluster. For a well-behaving cluster, the name
// MUST be unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if hostname != "" {
			c.serfCfg.NodeName = hostname
			c.serfCfg.MemberlistConfig.Name = hostname
		}
		return nil
	}
}

// WithHostnameResolver changes how peers are named after their
// certificates.
func WithHostnameResolver(resolver HostnameResolver) Option {
	return func(c *config) error {
		c.trCfg.HostnameResolver = resolver
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// NB: memberlist still emits through the legacy armon module.
		c.serfCfg.MemberlistConfig.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.serfCfg.MemberlistConfig.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the transport. It is REALLY
// important that you use mTLS in production since that's the only way to
// secure your nodes at this time.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHintMaxStreams gives an indication of the maximum number of
// concurrent streams a peer may open with us.
func WithHintMaxStreams(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = defaultHintMaxStreams
		}
		c.trCfg.HintMaxStreams = hint
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your node.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for
// membership changes to propagate and buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period < 0 {
			period = 0
		}
		c.trCfg.GracePeriod = period
		c.serfCfg.LeavePropagateDelay = period
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithMaxInstances bounds the number of instances the node hosts, 0 means
// unbounded.
func WithMaxInstances(limit int) Option {
	return func(c *config) error {
		if limit < 0 {
			return fmt.Errorf("%w: negative max instances", ErrInvalidCfg)
		}
		c.maxInstances = limit
		return nil
	}
}

// WithInboxSize sets how many events an instance buffers before delivery
// starts blocking.
func WithInboxSize(size uint) Option {
	return func(c *config) error {
		c.inboxSize = size
		return nil
	}
}

// WithOutboxSize sets how many events an instance can queue for a given
// target before `Cast` starts blocking.
func WithOutboxSize(size uint) Option {
	return func(c *config) error {
		c.outboxSize = size
		return nil
	}
}

// WithTombstones sets how many stopped instances are remembered.
func WithTombstones(size int) Option {
	return func(c *config) error {
		c.tombstones = size
		return nil
	}
}

// WithStateSink sets where instances checkpoint their state. The default
// sink keeps them in memory, see `Node.State`.
func WithStateSink(sink guest.StateSink) Option {
	return func(c *config) error {
		c.stateSink = sink
		return nil
	}
}

// WithFailureHook is called with every event that could not be delivered
// and that no caller is waiting on.
func WithFailureHook(hook guest.FailureHook) Option {
	return func(c *config) error {
		c.onFailure = hook
		return nil
	}
}
