package p2p

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// frameKind tags the four frame shapes this package's codec knows about.
// Modeled on smux's single-byte cmd field in its frame header
// (github.com/sagernet/smux session.go, rawHeader/newFrame): a small fixed
// header followed by a length-prefixed payload.
type frameKind byte

const (
	frameSync frameKind = iota
	frameAck
	frameNegotiation
	frameExtension
)

const (
	nonceSize  = 32
	headerSize = 1 + 4 // kind + little-endian payload length
)

// frame is a single decoded wire message.
type frame struct {
	kind frameKind

	nonce Nonce // frameSync

	name              string // frameNegotiation, frameExtension
	version           uint16 // frameNegotiation
	needEncryption    bool   // frameExtension
	payload           []byte // frameExtension
}

// encode serializes f into the wire format: [kind:1][len:4][body].
func (f frame) encode() ([]byte, error) {
	var body []byte
	switch f.kind {
	case frameSync:
		if len(f.nonce) != nonceSize {
			return nil, errors.Errorf("p2p: sync nonce must be %d bytes, got %d", nonceSize, len(f.nonce))
		}
		body = append([]byte(nil), f.nonce...)
	case frameAck:
		body = nil
	case frameNegotiation:
		body = encodeNegotiationBody(f.name, f.version)
	case frameExtension:
		body = encodeExtensionBody(f.name, f.needEncryption, f.payload)
	default:
		return nil, errors.Errorf("p2p: unknown frame kind %d", f.kind)
	}

	out := make([]byte, headerSize+len(body))
	out[0] = byte(f.kind)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

func encodeNegotiationBody(name string, version uint16) []byte {
	body := make([]byte, 2+2+len(name))
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(name)))
	binary.LittleEndian.PutUint16(body[2:4], version)
	copy(body[4:], name)
	return body
}

func decodeNegotiationBody(body []byte) (name string, version uint16, err error) {
	if len(body) < 4 {
		return "", 0, errors.Wrap(io.ErrUnexpectedEOF, "p2p: decode negotiation body")
	}
	nameLen := int(binary.LittleEndian.Uint16(body[0:2]))
	version = binary.LittleEndian.Uint16(body[2:4])
	if len(body) < 4+nameLen {
		return "", 0, errors.Wrap(io.ErrUnexpectedEOF, "p2p: decode negotiation body")
	}
	return string(body[4 : 4+nameLen]), version, nil
}

func encodeExtensionBody(name string, needEncryption bool, payload []byte) []byte {
	body := make([]byte, 2+1+len(name)+len(payload))
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(name)))
	if needEncryption {
		body[2] = 1
	}
	off := 3
	copy(body[off:], name)
	off += len(name)
	copy(body[off:], payload)
	return body
}

func decodeExtensionBody(body []byte) (name string, needEncryption bool, payload []byte, err error) {
	if len(body) < 3 {
		return "", false, nil, errors.Wrap(io.ErrUnexpectedEOF, "p2p: decode extension body")
	}
	nameLen := int(binary.LittleEndian.Uint16(body[0:2]))
	needEncryption = body[2] != 0
	if len(body) < 3+nameLen {
		return "", false, nil, errors.Wrap(io.ErrUnexpectedEOF, "p2p: decode extension body")
	}
	name = string(body[3 : 3+nameLen])
	payload = append([]byte(nil), body[3+nameLen:]...)
	return name, needEncryption, payload, nil
}

// readFrame reads one complete frame from r, blocking until it is fully
// available.
func readFrame(r io.Reader) (frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, errors.Wrap(err, "p2p: read frame header")
	}
	kind := frameKind(header[0])
	length := binary.LittleEndian.Uint32(header[1:5])

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return frame{}, errors.Wrap(err, "p2p: read frame body")
		}
	}

	switch kind {
	case frameSync:
		if len(body) != nonceSize {
			return frame{}, errors.Errorf("p2p: malformed sync frame: got %d byte nonce", len(body))
		}
		return frame{kind: frameSync, nonce: Nonce(body)}, nil
	case frameAck:
		return frame{kind: frameAck}, nil
	case frameNegotiation:
		name, version, err := decodeNegotiationBody(body)
		if err != nil {
			return frame{}, errors.Wrap(err, "p2p: decode negotiation frame")
		}
		return frame{kind: frameNegotiation, name: name, version: version}, nil
	case frameExtension:
		name, needEncryption, payload, err := decodeExtensionBody(body)
		if err != nil {
			return frame{}, errors.Wrap(err, "p2p: decode extension frame")
		}
		return frame{kind: frameExtension, name: name, needEncryption: needEncryption, payload: payload}, nil
	default:
		return frame{}, errors.Errorf("p2p: unknown frame kind %d", kind)
	}
}
