package protocol

import "bytes"

// encodeMessage frames payload into a byte slice
func encodeMessage(payload []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, &Frame{Version: ProtocolVersion, Payload: payload}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeMessage decodes a single frame from a byte slice
func decodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data), DefaultMaxFrameSize)
}

// readMessage reads one frame from d and decodes it into v, returning the type
func readMessage(d *Decoder, v any) (string, error) {
	frame, err := d.ReadFrame()
	if err != nil {
		return "", err
	}
	msgType, err := PeekType(frame.Payload)
	if err != nil {
		return "", err
	}
	if v != nil {
		if err := Unmarshal(frame.Payload, v); err != nil {
			return msgType, err
		}
	}
	return msgType, nil
}
