package weft

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/ids"
	"github.com/raskyld/weft/pkg/link"
	"github.com/raskyld/weft/pkg/router"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}


// testPKI issues mTLS configurations signed by the same in-process CA.
type testPKI struct {
	t     *testing.T
	ca    *x509.Certificate
	caKey *ecdsa.PrivateKey
	pool  *x509.CertPool
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caKey := generateKeyPair(t)
	ca, err := x509.ParseCertificate(generateCa(t, caKey))
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &testPKI{t: t, ca: ca, caKey: caKey, pool: pool}
}

func (pki *testPKI) tlsConfig(cn string) *tls.Config {
	pki.t.Helper()
	key := generateKeyPair(pki.t)
	der := generateLeaf(pki.t, pki.ca, pki.caKey, key, cn)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(pki.t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{der},
				Leaf:        leaf,
				PrivateKey:  key,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pki.pool,
		RootCAs:    pki.pool,
	}
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func newTestTransport(t *testing.T, pki *testPKI, name string) *Transport {
	t.Helper()
	tr, err := NewTransport(&TransportConfig{
		TlsConfig:   pki.tlsConfig(name),
		BindAddr:    "127.0.0.1",
		BindPort:    0,
		MetricSink:  metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler:  testLogHandler(name),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return tr
}

func shutdownAll(transports ...*Transport) {
	var wg sync.WaitGroup
	for _, tr := range transports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Shutdown()
		}()
	}
	wg.Wait()
}

func TestNewTransport_RequiresTLS(t *testing.T) {
	_, err := NewTransport(&TransportConfig{BindAddr: "127.0.0.1"})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestTransport(t *testing.T) {
	pki := newTestPKI(t)
	ts1 := newTestTransport(t, pki, "node1")
	ts2 := newTestTransport(t, pki, "node2")
	defer shutdownAll(ts1, ts2)

	addr1 := ts1.LocalAddr().String()
	addr2 := ts2.LocalAddr().String()

	t.Run("write datagram from n1 to n2", func(t *testing.T) {
		_, err := ts1.WriteTo([]byte("hello"), addr2)
		require.NoError(t, err)

		select {
		case packet := <-ts2.PacketCh():
			require.Equal(t, "hello", string(packet.Buf), "unexpected packet data")
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out")
		}
	})

	t.Run("open gossip stream from n2 to n1", func(t *testing.T) {
		conn, err := ts2.DialTimeout(addr1, time.Minute)
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write([]byte("abcd"))
		require.NoError(t, err)

		select {
		case stream := <-ts1.StreamCh():
			require.NoError(t, stream.SetReadDeadline(time.Now().Add(5*time.Second)))
			buf := make([]byte, 4)
			_, err := io.ReadFull(stream, buf)
			require.NoError(t, err)
			require.Equal(t, "abcd", string(buf))
			require.Equal(t, addr2, stream.RemoteAddr().String())
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out")
		}
	})

	node2 := ids.NewNodeID()
	received := make(chan *event.Event, 1)
	ts2.SetInbound(link.LinkFunc(func(ctx context.Context, ev *event.Event) (link.Result, error) {
		if ev.Target.Node != node2 {
			return link.Ignored, nil
		}
		if string(ev.Data.Payload) == "stopped" {
			return link.Final, fmt.Errorf("%w: %s", router.ErrInstanceStopped, ev.Target)
		}
		received <- ev
		return link.Final, nil
	}))

	newEvent := func(target ids.NodeID, payload string) *event.Event {
		return &event.Event{
			Target:     ids.InstanceID{Node: target, Component: ids.NewComponentID()},
			Source:     ids.InstanceID{Node: ids.NewNodeID(), Component: ids.NewComponentID()},
			StreamID:   3,
			TargetPort: "out",
			Data:       event.Call([]byte(payload)),
		}
	}

	t.Run("forward an event from n1 to n2", func(t *testing.T) {
		ev := newEvent(node2, "ping")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := ts1.Forward(ctx, addr2, ev)
		require.NoError(t, err)
		require.Equal(t, link.Final, res)

		select {
		case got := <-received:
			require.Equal(t, ev, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("event was not delivered")
		}
	})

	t.Run("routing errors of n2 come back to n1", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := ts1.Forward(ctx, addr2, newEvent(node2, "stopped"))
		require.Equal(t, link.Final, res)
		require.ErrorIs(t, err, router.ErrRemote)
		require.ErrorIs(t, err, router.ErrInstanceStopped)
	})

	t.Run("events n2 does not host are unroutable", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := ts1.Forward(ctx, addr2, newEvent(ids.NewNodeID(), "elsewhere"))
		require.ErrorIs(t, err, router.ErrRemote)
		require.ErrorIs(t, err, link.ErrUnroutable)
	})

	t.Run("n1 has no inbound link", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := ts2.Forward(ctx, addr1, newEvent(ids.NewNodeID(), "nobody"))
		require.ErrorIs(t, err, ErrRemoteInternal)
	})

	t.Run("forward is refused once shut down", func(t *testing.T) {
		ts1.Shutdown()
		_, err := ts1.Forward(context.Background(), addr2, newEvent(node2, "late"))
		require.ErrorIs(t, err, ErrShutdown)
	})
}

func TestTransport_FinalAdvertiseAddr(t *testing.T) {
	pki := newTestPKI(t)
	tr := newTestTransport(t, pki, "node1")
	defer tr.Shutdown()

	ip, port, err := tr.FinalAdvertiseAddr("", 0)
	require.NoError(t, err)
	require.True(t, ip.Equal(net.IPv4(127, 0, 0, 1)))
	require.Equal(t, tr.LocalAddr().(*net.UDPAddr).Port, port)

	ip, port, err = tr.FinalAdvertiseAddr("10.0.0.1", 7000)
	require.NoError(t, err)
	require.True(t, ip.Equal(net.IPv4(10, 0, 0, 1)))
	require.Equal(t, 7000, port)

	_, _, err = tr.FinalAdvertiseAddr("not-an-ip", 7000)
	require.ErrorIs(t, err, ErrInvalidAddr)
}
