package weft

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/weft/pkg/flow"
)

var (
	ErrInvalidCfg        = errors.New("fabric: invalid options")
	ErrJoinCluster       = errors.New("fabric: could not join cluster")
	ErrNodeClosed        = errors.New("fabric: node is shutting down")
	ErrInvalidSpec       = errors.New("fabric: invalid spawn request")
	ErrResourceExhausted = errors.New("fabric: no capacity left for new instances")
	ErrInvalidProvider   = errors.New("fabric: invalid provider")
	ErrProviderExists    = errors.New("fabric: provider already registered")
	ErrUnknownProvider   = errors.New("fabric: no such provider")
	ErrNoStateLoader     = errors.New("fabric: the state sink cannot load states")
	ErrSpawnFailed       = errors.New("fabric: instance failed to initialise")

	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve   = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrTooLargeFrame     = flow.ErrTooLargeFrame
	ErrNoInbound         = errors.New("transport: no inbound link to deliver events to")

	// ErrRemoteInternal is reported when the peer failed with an error it
	// has no wire code for.
	ErrRemoteInternal = errors.New("transport: peer internal error")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamCancelled         = quic.StreamErrorCode(0xC)
	QErrStreamShutdown          = quic.StreamErrorCode(0xD)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrNameConflict = QuicApplicationError{
		Code:   0x4,
		Prefix: "name conflict",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
