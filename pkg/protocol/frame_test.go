package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{
			name:  "valid frame - empty payload",
			frame: Frame{Version: 1, Payload: []byte{}},
		},
		{
			name:  "valid frame - json payload",
			frame: Frame{Version: 1, Payload: []byte(`{"type":"ping"}`)},
		},
		{
			name:  "flags are preserved",
			frame: Frame{Version: 1, Flags: 0x03, Payload: []byte(`{"type":"getOnline"}`)},
		},
		{
			name:  "max payload size (1MB)",
			frame: Frame{Version: 1, Payload: bytes.Repeat([]byte("a"), DefaultMaxFrameSize-headerSize)},
		},
		{
			name:    "oversized payload (should fail)",
			frame:   Frame{Version: 1, Payload: make([]byte, DefaultMaxFrameSize)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrFrameTooLarge)
				assert.True(t, IsFramingError(err))
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(buf, DefaultMaxFrameSize)
			require.NoError(t, err)

			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, len(tt.frame.Payload), len(decoded.Payload))
			assert.True(t, bytes.Equal(tt.frame.Payload, decoded.Payload))
		})
	}
}

func header(length uint32, rest ...byte) []byte {
	buf := make([]byte, 4, 4+len(rest))
	binary.BigEndian.PutUint32(buf, length)
	return append(buf, rest...)
}

func TestDecodeFrameErrors(t *testing.T) {
	t.Run("empty stream is a clean EOF", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(nil), DefaultMaxFrameSize)
		assert.Equal(t, io.EOF, err)
		assert.False(t, IsFramingError(err))
	})

	t.Run("partial length prefix", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0x00, 0x00}), DefaultMaxFrameSize)
		assert.ErrorIs(t, err, ErrTruncatedFrame)
		assert.True(t, IsFramingError(err))
	})

	t.Run("declared length above configured max", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(header(65)), 64)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.True(t, IsFramingError(err))
	})

	t.Run("length too small for header", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(header(1, 0x01)), DefaultMaxFrameSize)
		assert.ErrorIs(t, err, ErrInvalidFrameLength)
	})

	t.Run("missing body", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(header(5)), DefaultMaxFrameSize)
		assert.ErrorIs(t, err, ErrTruncatedFrame)
	})

	t.Run("short payload", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(header(10, 0x01, 0x00, 'a', 'b')), DefaultMaxFrameSize)
		assert.ErrorIs(t, err, ErrTruncatedFrame)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(header(2, 0x09, 0x00)), DefaultMaxFrameSize)
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("invalid utf-8 payload", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(header(4, 0x01, 0x00, 0xff, 0xfe)), DefaultMaxFrameSize)
		assert.ErrorIs(t, err, ErrInvalidUTF8)
	})

	t.Run("transport errors pass through", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := DecodeFrame(&failingReader{err: boom}, DefaultMaxFrameSize)
		assert.ErrorIs(t, err, boom)
		assert.False(t, IsFramingError(err))
	})
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestFrameStructure(t *testing.T) {
	frame := &Frame{Version: 1, Flags: 0x01, Payload: []byte(`{"type":"ping"}`)}

	buf := new(bytes.Buffer)
	require.NoError(t, EncodeFrame(buf, frame))

	data := buf.Bytes()
	length := binary.BigEndian.Uint32(data[0:4])
	assert.Equal(t, uint32(headerSize+len(frame.Payload)), length)
	assert.Equal(t, frame.Version, data[4])
	assert.Equal(t, frame.Flags, data[5])
	assert.Equal(t, frame.Payload, data[6:])
}

func TestEncodeMessage(t *testing.T) {
	payload := []byte(`{"type":"logout"}`)
	data, err := encodeMessage(payload)
	require.NoError(t, err)

	frame, err := decodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(ProtocolVersion), frame.Version)
	assert.Equal(t, payload, frame.Payload)
}

// chunkReader returns at most n bytes per Read, like a slow network
type chunkReader struct {
	data []byte
	n    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.n
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestDecoderReassemblesSplitFrames(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WriteMessage(&stream, &LoginRequest{Type: TypeLogin, Username: "alice", Password: "pw"}))
	require.NoError(t, WriteMessage(&stream, &GetOnlineRequest{Type: TypeGetOnline}))

	dec := NewDecoder(&chunkReader{data: stream.Bytes(), n: 3}, 0)

	var login LoginRequest
	msgType, err := readMessage(dec, &login)
	require.NoError(t, err)
	assert.Equal(t, TypeLogin, msgType)
	assert.Equal(t, "alice", login.Username)

	msgType, err = readMessage(dec, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeGetOnline, msgType)

	_, err = dec.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderSplitsCoalescedFrames(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 5; i++ {
		require.NoError(t, WriteMessage(&stream, &PingRequest{Type: TypePing, Timestamp: int64(i)}))
	}

	// One Read delivers every frame at once
	dec := NewDecoder(bytes.NewReader(stream.Bytes()), 0)
	for i := 0; i < 5; i++ {
		var ping PingRequest
		_, err := readMessage(dec, &ping)
		require.NoError(t, err)
		assert.Equal(t, int64(i), ping.Timestamp)
	}
}

func TestDecoderDefaultsMaxSize(t *testing.T) {
	assert.Equal(t, uint32(DefaultMaxFrameSize), NewDecoder(bytes.NewReader(nil), 0).maxSize)
	assert.Equal(t, uint32(128), NewDecoder(bytes.NewReader(nil), 128).maxSize)
}

func TestEncodeFrameMaxRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := EncodeFrameMax(&buf, &Frame{Version: ProtocolVersion, Payload: make([]byte, 64)}, 32)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "nothing may be written for a rejected frame")

	require.NoError(t, EncodeFrameMax(&buf, &Frame{Version: ProtocolVersion, Payload: make([]byte, 30)}, 32))
	assert.Equal(t, 4+32, buf.Len())
}
