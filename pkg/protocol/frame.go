package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// DefaultMaxFrameSize is the frame size limit used when none is configured (1 MB)
	DefaultMaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// headerSize is Version (1) + Flags (1), counted inside Length
	headerSize = 2
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrInvalidVersion     = errors.New("invalid protocol version")
	ErrInvalidFrameLength = errors.New("invalid frame length")
	ErrTruncatedFrame     = errors.New("stream ended inside a frame")
	ErrInvalidUTF8        = errors.New("frame payload is not valid UTF-8")
)

// FramingError reports a stream that can no longer be split into frames.
// The connection it came from must be closed.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %v", e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// IsFramingError reports whether err is (or wraps) a *FramingError
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// Frame represents a protocol frame
// Format: [Length (4 bytes)][Version (1 byte)][Flags (1 byte)][Payload (N bytes)]
// Length counts everything after itself. Payload is one UTF-8 JSON object.
type Frame struct {
	Version uint8
	Flags   uint8
	Payload []byte
}

// EncodeFrame writes a frame to the writer using the default size limit
func EncodeFrame(w io.Writer, f *Frame) error {
	return EncodeFrameMax(w, f, DefaultMaxFrameSize)
}

// EncodeFrameMax writes a frame, refusing frames above maxSize (0 means
// DefaultMaxFrameSize) so a peer using the same limit can always read it
func EncodeFrameMax(w io.Writer, f *Frame, maxSize uint32) error {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	length := uint64(headerSize + len(f.Payload))
	if length > uint64(maxSize) {
		return &FramingError{Err: ErrFrameTooLarge}
	}

	// Header and payload go out in a single Write so concurrent writers that
	// serialize on Write calls never interleave a frame
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = f.Version
	buf[5] = f.Flags
	copy(buf[6:], f.Payload)

	_, err := w.Write(buf)
	return err
}

// DecodeFrame reads one frame from r, rejecting frames above maxSize.
// A stream that ends cleanly before a frame starts yields io.EOF.
func DecodeFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	var lenBuf [4]byte
	if n, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FramingError{Err: ErrTruncatedFrame}
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxSize {
		return nil, &FramingError{Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)}
	}
	if length < headerSize {
		return nil, &FramingError{Err: ErrInvalidFrameLength}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FramingError{Err: ErrTruncatedFrame}
		}
		return nil, err
	}

	if body[0] != ProtocolVersion {
		return nil, &FramingError{Err: fmt.Errorf("%w: %d", ErrInvalidVersion, body[0])}
	}

	payload := body[headerSize:]
	if !utf8.Valid(payload) {
		return nil, &FramingError{Err: ErrInvalidUTF8}
	}

	return &Frame{
		Version: body[0],
		Flags:   body[1],
		Payload: payload,
	}, nil
}

// Decoder reads frames from a byte stream. Frames split across network reads
// are reassembled and several frames delivered by one read are split apart.
type Decoder struct {
	r       *bufio.Reader
	maxSize uint32
}

// NewDecoder creates a decoder; maxSize 0 means DefaultMaxFrameSize
func NewDecoder(r io.Reader, maxSize uint32) *Decoder {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{
		r:       bufio.NewReaderSize(r, 4096),
		maxSize: maxSize,
	}
}

// ReadFrame reads the next frame
func (d *Decoder) ReadFrame() (*Frame, error) {
	return DecodeFrame(d.r, d.maxSize)
}
