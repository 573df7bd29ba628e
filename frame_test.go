package weft

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/raskyld/weft/pkg/event"
	"github.com/raskyld/weft/pkg/guest"
	"github.com/raskyld/weft/pkg/link"
	"github.com/raskyld/weft/pkg/router"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrame_ReadStopsAtFrameEnd(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, initCodec.Encode(&stream, StreamModeEvent))
	require.NoError(t, frames.Encode(&stream, []byte("payload")))
	require.NoError(t, resultCodec.Encode(&stream, newResultFrame(link.Final, nil)))

	mode, err := initCodec.Decode(&stream)
	require.NoError(t, err)
	require.Equal(t, StreamModeEvent, mode)

	raw, err := frames.Decode(&stream)
	require.NoError(t, err)
	require.Equal(t, "payload", string(raw))

	rf, err := resultCodec.Decode(&stream)
	require.NoError(t, err)
	require.Equal(t, link.Final, rf.result)
	require.NoError(t, rf.err())

	_, err = frames.Decode(&stream)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrame_TooLarge(t *testing.T) {
	_, err := frames.Append(nil, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrTooLargeFrame)

	announced := protowire.AppendVarint(nil, MaxFrameSize+1)
	_, err = frames.Decode(bytes.NewReader(announced))
	require.ErrorIs(t, err, ErrTooLargeFrame)
	require.True(t, isViolation(err))
}

func TestFrame_Truncated(t *testing.T) {
	buf, err := frames.Append(nil, []byte("truncated"))
	require.NoError(t, err)

	_, err = frames.Decode(bytes.NewReader(buf[:4]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrame_MalformedEventIsNotAViolation(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, frames.Encode(&stream, []byte{0xFF}))

	_, err := eventCodec.Decode(&stream)
	require.ErrorIs(t, err, event.ErrMalformedEvent)
	require.False(t, isViolation(err))
	require.Equal(t, CodeMalformed, CodeOf(err))
}

func TestFrame_InvalidInit(t *testing.T) {
	_, err := unmarshalInit(nil)
	require.ErrorIs(t, err, ErrProtocolViolation)

	_, err = unmarshalInit(marshalInit(StreamMode(42)))
	require.ErrorIs(t, err, ErrProtocolViolation)

	_, err = unmarshalInit([]byte{0xFF})
	require.ErrorIs(t, err, ErrProtocolViolation)

	var stream bytes.Buffer
	require.NoError(t, frames.Encode(&stream, marshalInit(StreamMode(42))))
	_, err = initCodec.Decode(&stream)
	require.True(t, isViolation(err))
}

func TestFrame_ResultSkipsUnknownFields(t *testing.T) {
	buf := marshalResult(resultFrame{result: link.Processed})
	buf = protowire.AppendTag(buf, 99, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, 7)

	rf, err := unmarshalResult(buf)
	require.NoError(t, err)
	require.Equal(t, link.Processed, rf.result)
	require.NoError(t, rf.err())
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{nil, CodeOK},
		{fmt.Errorf("%w: c", router.ErrInstanceNotFound), CodeInstanceNotFound},
		{fmt.Errorf("%w: c", router.ErrInstanceStopped), CodeInstanceStopped},
		{fmt.Errorf("%w: %w", link.ErrUnroutable, router.ErrUnknownPeer), CodeUnknownPeer},
		{link.ErrUnroutable, CodeUnroutable},
		{guest.ErrNoPendingCall, CodeNoPendingCall},
		{errors.New("boom"), CodeInternal},
	}

	for _, tc := range cases {
		require.Equal(t, tc.code, CodeOf(tc.err), "code of %v", tc.err)
	}

	require.NoError(t, CodeOK.Err())
	require.ErrorIs(t, CodeInternal.Err(), ErrRemoteInternal)
	require.ErrorIs(t, ErrorCode(1000).Err(), ErrRemoteInternal)
}

func TestResultFrame_PreservesSentinel(t *testing.T) {
	sent := newResultFrame(link.Final, fmt.Errorf("%w: gone", router.ErrInstanceStopped))

	rf, err := unmarshalResult(marshalResult(sent))
	require.NoError(t, err)
	require.Equal(t, link.Final, rf.result)
	require.Equal(t, CodeInstanceStopped, rf.code)

	remoteErr := rf.err()
	require.ErrorIs(t, remoteErr, router.ErrRemote)
	require.ErrorIs(t, remoteErr, router.ErrInstanceStopped)
	require.Contains(t, remoteErr.Error(), "gone")
}
