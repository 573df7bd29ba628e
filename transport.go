package weft

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/flow"
	"github.com/raskyld/weft/pkg/link"
	"github.com/raskyld/weft/pkg/router"
)

const (
	// ALPN is negotiated by every weft connection.
	ALPN = "weft/1"

	defaultUDPBufferSize int = 1 << 21
	defaultHintMaxStreams    = 10000
	defaultDialTimeout       = 30 * time.Second
)

// TransportConfig represents configuration for the weft transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig MUST enable mTLS between the peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the transport listens. A zero port
	// lets the kernel pick one.
	BindAddr string
	BindPort int

	// HintMaxStreams is the number of concurrent streams a peer may open
	// on a single connection.
	HintMaxStreams int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout bounds connection and stream establishment, it also
	// bounds how long an inbound event may wait for the local instance.
	DialTimeout time.Duration

	// GracePeriod is how long Shutdown waits for streams to flush before
	// closing connections.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport multiplexes the gossip of memberlist and the dataplane events
// over QUIC connections sharing a single UDP socket.
//
// Gossip packets are sent as QUIC datagrams and gossip streams as QUIC
// streams. Each event forwarded to a peer uses its own short-lived stream.
type Transport struct {
	cfg      *TransportConfig
	tlsConf  *tls.Config
	quicConf *quic.Config
	logger   *slog.Logger
	msink    metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	// Dataplane
	inbound atomic.Pointer[inboundLink]

	// Peers
	addrToHost map[string]unique.Handle[Hostname]
	hostsInfo  map[unique.Handle[Hostname]]Host
	hostsCxs   map[unique.Handle[Hostname]][]hostCx
	hostsLock  sync.RWMutex

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type inboundLink struct {
	link.Link
}

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	quic.Connection
}

var (
	_ memberlist.NodeAwareTransport = (*Transport)(nil)
	_ router.Forwarder              = (*Transport)(nil)
)

func NewTransport(cfg *TransportConfig) (*Transport, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	tlsConf := cfg.TlsConfig.Clone()
	tlsConf.NextProtos = []string{ALPN}
	if tlsConf.MinVersion < tls.VersionTLS13 {
		tlsConf.MinVersion = tls.VersionTLS13
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	hintStreams := cfg.HintMaxStreams
	if hintStreams == 0 {
		hintStreams = defaultHintMaxStreams
	}

	t := &Transport{
		cfg:     cfg,
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			Versions:              []quic.Version{quic.Version2, quic.Version1},
			EnableDatagrams:       true,
			Allow0RTT:             false,
			MaxIncomingStreams:    hintStreams,
			MaxIncomingUniStreams: hintStreams,
			MaxIdleTimeout:        1 * time.Minute,
			KeepAlivePeriod:       15 * time.Second,
		},
		shutdownCh: make(chan struct{}),
		addrToHost: make(map[string]unique.Handle[Hostname]),
		hostsInfo:  make(map[unique.Handle[Hostname]]Host),
		hostsCxs:   make(map[unique.Handle[Hostname]][]hostCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	ok := false
	defer func() {
		if !ok {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	ok = true
	return t, nil
}

// SetInbound sets the link events received from peers are handed to.
//
// It MUST only deliver to local instances: a peer forwarding to us already
// made the routing decision.
func (t *Transport) SetInbound(l link.Link) {
	t.inbound.Store(&inboundLink{Link: l})
}

// LocalAddr is the address of the UDP socket.
func (t *Transport) LocalAddr() net.Addr {
	return t.udpLn.LocalAddr()
}

func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	if ip != "" {
		advertiseAddr := net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
		if ip4 := advertiseAddr.To4(); ip4 != nil {
			advertiseAddr = ip4
		}
		return advertiseAddr, port, nil
	}

	local, ok := t.udpLn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, 0, ErrUdpNotAvailable
	}

	advertiseAddr := local.IP
	if advertiseAddr.IsUnspecified() {
		private, err := sockaddr.GetPrivateIP()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: failed to get a private IP: %w", ErrInvalidAddr, err)
		}
		if private == "" {
			return nil, 0, fmt.Errorf("%w: no private IP found, set an advertise address", ErrInvalidAddr)
		}
		advertiseAddr = net.ParseIP(private)
	}

	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	return advertiseAddr, local.Port, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()
	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutBytes,
			float32(len(b)),
			withLabels(t.cfg.MetricLabels, LabelsForAddr(addr)...),
		)
	} else {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, LabelsForAddr(addr)...),
		)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stream, hcx, err := t.openStream(ctx, addr)
	if err != nil {
		return nil, err
	}

	swrap := &streamWrapper{
		mode:       StreamModeGossip,
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}

	go swrap.garbageCollector(hcx.closeCh)

	if err := initCodec.Encode(stream, StreamModeGossip); err != nil {
		stream.CancelWrite(QErrStreamCancelled)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, append(LabelsForAddr(addr), LabelError.M("cannot_send_init_frame"))...),
		)
		return nil, err
	}

	t.msink.IncrCounterWithLabels(
		MetricStreamEstOutCount,
		1.0,
		withLabels(t.cfg.MetricLabels, append(LabelsForAddr(addr), LabelStreamMode.M(StreamModeGossip.String()))...),
	)
	return swrap, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// Forward sends `ev` to the node listening on `endpoint` and waits for the
// routing result of that node. It implements `router.Forwarder`.
func (t *Transport) Forward(ctx context.Context, endpoint string, ev *event.Event) (link.Result, error) {
	if t.gracefulTerm.Load() {
		return link.Ignored, ErrShutdown
	}

	buf, err := initCodec.Append(nil, StreamModeEvent)
	if err != nil {
		return link.Ignored, err
	}
	buf, err = eventCodec.Append(buf, ev)
	if err != nil {
		return link.Ignored, err
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	addr := memberlist.Address{Addr: endpoint}
	stream, _, err := t.openStream(dialCtx, addr)
	if err != nil {
		return link.Ignored, err
	}

	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
	})
	defer stop()

	results := flow.RemoteReceiver[resultFrame]{
		Stream: stream,
		Dec:    resultCodec,
		Code:   QErrStreamCancelled,
	}
	if _, err := stream.Write(buf); err != nil {
		results.Close()
		return link.Ignored, t.streamErr(ctx, fmt.Errorf("%w: %w", ErrStreamWrite, err))
	}
	// Done sending, the peer reads until the end of the event frame.
	stream.Close()

	rf, err := results.Recv()
	// The result is the last frame, release the receive side now.
	results.Close()
	if err != nil {
		return link.Ignored, t.streamErr(ctx, err)
	}

	t.msink.IncrCounterWithLabels(
		MetricEventForwardedCount,
		1.0,
		withLabels(
			t.cfg.MetricLabels,
			LabelPeerAddr.M(endpoint),
			LabelResult.M(rf.result.String()),
			LabelError.M(codeName(rf.code)),
		),
	)
	return rf.result, rf.err()
}

func (t *Transport) streamErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (t *Transport) openStream(ctx context.Context, addr memberlist.Address) (quic.Stream, hostCx, error) {
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, append(LabelsForAddr(addr), LabelError.M("no_conn_to_host"))...),
		)
		return nil, hostCx{}, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, append(LabelsForAddr(addr), LabelError.M("cannot_open_stream"))...),
		)
		return nil, hostCx{}, err
	}
	return stream, hcx, nil
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.shutdownCh)

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.hostsLock.Unlock()

	// NB: quic-go has no way to tell us when streams are flushed, so we
	// give them a fixed amount of time.
	if t.cfg.GracePeriod > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.hostsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}

	t.wg.Wait()
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB: quic-go only fails Accept once the listener is
				// closed, there is nothing to retry.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.handleConn(conn)
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr.String()))
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				withLabels(mLabels, LabelError.M("unknown")),
			)
			logger.Error("error reading datagram", LabelError.L(err))
			continue
		}

		n := len(buf)
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				withLabels(mLabels, LabelError.M("too_small")),
			)
			logger.Error("received a too short datagram", "length", n)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr.String()))
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(remoteAddr.String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			if stream != nil {
				stream.CancelRead(QErrStreamShutdown)
				stream.CancelWrite(QErrStreamShutdown)
			}
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection closed", LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", LabelError.L(err))
			t.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount,
				1.0,
				withLabels(mLabels, LabelError.M("unknown")),
			)
			continue
		}

		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: hcx.RemoteAddr(),
			Stream:     stream,
		}

		// When a connection should be closed, it will first close its
		// `closeCh` channel and wait for its streams to finish draining
		// their buffers.
		go swrap.garbageCollector(hcx.closeCh)

		t.wg.Add(1)
		go t.serveStream(hcx, swrap, logger.With(LabelStreamID.L(stream.StreamID())), mLabels)
	}
}

func (t *Transport) serveStream(hcx hostCx, swrap *streamWrapper, logger *slog.Logger, mLabels []metrics.Label) {
	defer t.wg.Done()

	violation := func(reason string, err error) {
		logger.Warn("protocol violation: "+reason, LabelError.L(err))
		swrap.CancelRead(QErrStreamProtocolViolation)
		swrap.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("protocol_violation")),
		)
	}

	swrap.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	mode, err := initCodec.Decode(swrap)
	if err != nil {
		if isViolation(err) {
			violation("invalid init frame", err)
			return
		}
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("no_init_frame")),
		)
		logger.Debug("error waiting for stream init frame", LabelError.L(err))
		swrap.CancelRead(QErrStreamCancelled)
		swrap.CancelWrite(QErrStreamCancelled)
		return
	}

	swrap.mode = mode
	swrap.SetReadDeadline(time.Time{})

	t.msink.IncrCounterWithLabels(
		MetricStreamEstInCount,
		1.0,
		withLabels(mLabels, LabelStreamMode.M(mode.String())),
	)

	switch mode {
	case StreamModeGossip:
		select {
		case t.streamCh <- swrap:
		case <-t.shutdownCh:
			swrap.CancelRead(QErrStreamShutdown)
			swrap.CancelWrite(QErrStreamShutdown)
		}
	case StreamModeEvent:
		t.serveEvent(hcx, swrap, logger, mLabels)
	}
}

// serveEvent reads one event, hands it to the inbound link and writes back
// the result.
func (t *Transport) serveEvent(hcx hostCx, stream *streamWrapper, logger *slog.Logger, mLabels []metrics.Label) {
	events := flow.RemoteReceiver[*event.Event]{
		Stream: stream,
		Dec:    eventCodec,
		Code:   QErrStreamProtocolViolation,
	}
	results := flow.RemoteSender[resultFrame]{
		Stream: stream,
		Enc:    resultCodec,
	}
	defer results.Close()

	stream.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	ev, err := events.Recv()
	if err != nil && !errors.Is(err, event.ErrMalformedEvent) {
		logger.Warn("failed to read event frame", LabelError.L(err))
		events.Close()
		stream.CancelWrite(QErrStreamProtocolViolation)
		return
	}

	var res link.Result
	if err == nil {
		res, err = t.deliverInbound(hcx.Context(), ev)
	}
	if err == nil {
		res = link.Final
	}
	if err != nil {
		logger.Debug("inbound event not delivered", LabelError.L(err))
	}

	t.msink.IncrCounterWithLabels(
		MetricEventInboundCount,
		1.0,
		withLabels(mLabels, LabelResult.M(res.String()), errLabel(err)),
	)

	if err := results.Send(newResultFrame(res, err)); err != nil {
		logger.Warn("failed to write result frame", LabelError.L(err))
	}
}

func (t *Transport) deliverInbound(connCtx context.Context, ev *event.Event) (link.Result, error) {
	inbound := t.inbound.Load()
	if inbound == nil {
		return link.Ignored, ErrNoInbound
	}

	ctx, cancel := context.WithTimeout(connCtx, t.cfg.DialTimeout)
	defer cancel()
	res, err := inbound.Handle(ctx, ev)
	if res == link.Ignored && err == nil {
		return link.Ignored, fmt.Errorf("%w: %s is not hosted here", link.ErrUnroutable, ev.Target)
	}
	return res, err
}

func (t *Transport) getActiveCx(
	ctx context.Context,
	target memberlist.Address,
) (hostCx, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", target.Addr)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	t.hostsLock.RLock()
	var dest unique.Handle[Hostname]
	if target.Name != "" {
		dest = unique.Make(Hostname(target.Name))
	} else {
		resolved, ok := t.addrToHost[udpAddr.String()]
		if !ok {
			t.hostsLock.RUnlock()
			return t.dial(ctx, udpAddr)
		}
		dest = resolved
	}

	cx, hasCx := t.firstActiveCx(dest)
	t.hostsLock.RUnlock()
	if hasCx {
		return cx, nil
	}

	return t.dial(ctx, udpAddr)
}

func (t *Transport) dial(ctx context.Context, addr *net.UDPAddr) (hostCx, error) {
	cx, err := t.tr.Dial(ctx, addr, t.tlsConf, t.quicConf)
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		return hostCx{}, err
	}

	return t.handleConn(cx)
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(dest unique.Handle[Hostname]) ([]hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.hostsCxs, dest)
		return nil, false
	}

	t.hostsCxs[dest] = cleanedUpList
	return cleanedUpList, true
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(dest unique.Handle[Hostname]) (hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return hostCx{}, false
	}

	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}

	return hostCx{}, false
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	peerAddr, rawPort, err := net.SplitHostPort(peer)
	if err != nil {
		panic(fmt.Sprintf("unreachable: unexpected address format %s", peer))
	}
	peerPort, err := strconv.Atoi(rawPort)
	if err != nil {
		panic(fmt.Sprintf("unreachable: unexpected port %s", rawPort))
	}

	logger := t.logger.With(LabelPeerAddr.L(peer))
	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer))

	rsvHostname, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("name_resolution")),
		)
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return hostCx{}, ErrHostnameResolve
	}

	mLabels = append(mLabels, LabelPeerName.M(string(rsvHostname)))

	rsvHostnameHandle := unique.Make(rsvHostname)
	t.hostsLock.Lock()
	if t.gracefulTerm.Load() {
		t.hostsLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}

	// First, we check if we need to update our Addr to Hostname
	// mapping.
	currentHostname, ok := t.addrToHost[peer]
	if ok {
		if currentHostname != rsvHostnameHandle {
			logger := logger.With(
				"old", currentHostname.Value(),
				"new", rsvHostname,
			)

			logger.Warn("a peer changed its name, updating")
			t.addrToHost[peer] = rsvHostnameHandle

			// We need to migrate the connections as well.
			cxs, hasConnections := t.hostsCxs[currentHostname]
			if hasConnections {
				logger.Debug("migrating connections")
				delete(t.hostsCxs, currentHostname)
				t.hostsCxs[rsvHostnameHandle] = cxs
			}
			t.msink.IncrCounterWithLabels(
				MetricHostNameChanges,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer)),
			)
		}
	} else {
		t.addrToHost[peer] = rsvHostnameHandle
		logger.Info("new peer discovered", LabelPeerName.L(rsvHostname))
	}

	// We also check if we have node name conflict
	hostInfo, ok := t.hostsInfo[rsvHostnameHandle]
	if ok {
		if hostInfo.Addr != peerAddr || hostInfo.Port != peerPort {
			logger := logger.With(
				"oldAddr", hostInfo.Addr,
				"oldPort", hostInfo.Port,
				"newAddr", peerAddr,
				"newPort", peerPort,
			)
			logger.Warn("a node has been migrated or there is a name conflict in the cluster")
			t.msink.IncrCounterWithLabels(
				MetricHostNameChanges,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelPeerName.M(string(rsvHostname))),
			)
			gcHost, stillHasConnection := t.garbageCollectCxs(rsvHostnameHandle)
			if stillHasConnection {
				logger.Error("connection is still active after node migration, that's a symptom of name conflict!")
				t.msink.IncrCounterWithLabels(
					MetricHostConflictsCount,
					1.0,
					withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer)),
				)
				for _, cx := range gcHost {
					QErrNameConflict.Close(
						cx, "we detected a node name conflict in the cluster! "+
							"this may be because you have rescheduled a node on another machine, "+
							"if you haven't, then it could mean one of your certificate has leaked!",
					)
				}
				delete(t.hostsCxs, rsvHostnameHandle)
			}
			t.hostsInfo[rsvHostnameHandle] = Host{
				Name: rsvHostnameHandle,
				Addr: peerAddr,
				Port: peerPort,
			}
		}
	} else {
		t.hostsInfo[rsvHostnameHandle] = Host{
			Name: rsvHostnameHandle,
			Addr: peerAddr,
			Port: peerPort,
		}
	}

	// Then, we actually perform the connection update
	// after a pass of garbage collection.
	hcx := hostCx{
		closeCh:    make(chan struct{}),
		Connection: conn,
	}
	gcHost, _ := t.garbageCollectCxs(rsvHostnameHandle)
	t.hostsCxs[rsvHostnameHandle] = append(gcHost, hcx)

	// NB: registered under the lock so Shutdown cannot miss them.
	t.wg.Add(2)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		mLabels,
	)

	// NB: it's ok to pass by value, the struct is just two cheap pointers.
	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	return hcx, nil
}

// LabelsForAddr returns the metric labels identifying a memberlist address.
func LabelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, LabelPeerName.M(addr.Name))
	}
	return labels
}
