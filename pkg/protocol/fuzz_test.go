package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeFrame fuzzes the frame decoder with random bytes
func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x02, 0x01, 0x00})           // Minimal valid frame
	f.Add([]byte{0x00, 0x00, 0x00, 0x04, 0x01, 0x00, '{', '}'}) // Empty object

	valid, _ := encodeMessage([]byte(`{"type":"login","username":"alice","password":"pw"}`))
	f.Add(valid)

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic or hang, errors are expected
		frame, err := DecodeFrame(bytes.NewReader(data), 4096)
		if err == nil && len(frame.Payload)+headerSize > 4096 {
			t.Fatalf("decoded frame larger than limit")
		}
	})
}

// FuzzPeekType fuzzes the type discriminator extraction
func FuzzPeekType(f *testing.F) {
	f.Add([]byte(`{"type":"ping"}`))
	f.Add([]byte(`{"type":1}`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		msgType, err := PeekType(data)
		if err == nil && msgType == "" {
			t.Fatalf("empty type accepted")
		}
	})
}
