package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Control frame types carried in-band on the bridge socket.
const (
	FrameResize    = "resize"
	FrameInterrupt = "interrupt"
	FrameExit      = "exit"
)

// ControlFrame is a JSON control message multiplexed into the byte stream
// between a bridge and its clients. Client→server: resize (interactive),
// resize/interrupt (structured). Server→client: exit.
type ControlFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Code int    `json:"code"`
}

// frameMarker introduces a length-prefixed control frame in the stream.
// A literal NUL in stream data is escaped as marker+escapedNul, keeping
// the stream binary-safe (Ctrl-@ keystrokes, NULs in agent output).
const frameMarker = 0x00

// escapedNul after a marker denotes one literal 0x00 byte. It can never
// open a real frame: maxFrameLen keeps the first length byte at 0x00.
const escapedNul = 0xFF

// maxFrameLen bounds a single control frame payload.
const maxFrameLen = 4096

// EscapeData encodes literal stream bytes for the wire, escaping any
// NULs so they cannot be mistaken for frame markers. Returns the input
// unchanged when no escaping is needed.
func EscapeData(p []byte) []byte {
	if indexByte(p, frameMarker) < 0 {
		return p
	}
	out := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == frameMarker {
			out = append(out, frameMarker, escapedNul)
			continue
		}
		out = append(out, b)
	}
	return out
}

// EncodeFrame serializes a control frame as marker + uint32 big-endian
// length + JSON payload.
func EncodeFrame(f ControlFrame) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal control frame: %w", err)
	}
	if len(payload) > maxFrameLen {
		return nil, fmt.Errorf("control frame too large: %d bytes", len(payload))
	}
	out := make([]byte, 0, len(payload)+5)
	out = append(out, frameMarker)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

// StreamParser splits an incoming byte stream into literal data and
// control frames. Frames may arrive fragmented across reads; literal
// bytes are forwarded verbatim.
type StreamParser struct {
	pending []byte // buffered bytes of a partial frame (starting at the marker)
}

// Feed consumes a chunk of stream bytes and returns the literal data and
// any complete control frames decoded from it. Malformed frames are
// dropped and parsing resumes at the next byte.
func (p *StreamParser) Feed(chunk []byte) (data []byte, frames []ControlFrame) {
	buf := chunk
	if len(p.pending) > 0 {
		buf = append(p.pending, chunk...)
		p.pending = nil
	}

	for len(buf) > 0 {
		i := indexByte(buf, frameMarker)
		if i < 0 {
			data = append(data, buf...)
			return data, frames
		}
		data = append(data, buf[:i]...)
		buf = buf[i:]

		// Need at least the byte after the marker to classify it.
		if len(buf) < 2 {
			p.pending = append([]byte(nil), buf...)
			return data, frames
		}
		if buf[1] == escapedNul {
			data = append(data, frameMarker)
			buf = buf[2:]
			continue
		}

		// Need marker + 4 length bytes before we can size the frame.
		if len(buf) < 5 {
			p.pending = append([]byte(nil), buf...)
			return data, frames
		}
		n := binary.BigEndian.Uint32(buf[1:5])
		if n > maxFrameLen {
			// Corrupt length — treat the marker as literal and move on.
			data = append(data, buf[0])
			buf = buf[1:]
			continue
		}
		if len(buf) < 5+int(n) {
			p.pending = append([]byte(nil), buf...)
			return data, frames
		}
		var f ControlFrame
		if err := json.Unmarshal(buf[5:5+n], &f); err == nil {
			frames = append(frames, f)
		}
		buf = buf[5+int(n):]
	}
	return data, frames
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
