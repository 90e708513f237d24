package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// Fatal framing errors: the payload violates the wire format invariants and
// must be dropped (spec.md §7, "Fatal" error category).
var (
	ErrUnknownMessageType = errors.New("wire: unknown message type")
	ErrNameTooLong        = errors.New("wire: mutex name exceeds 255 bytes")
)

const maxNameLen = 255

// Encode writes m to w as a self-delimiting frame:
//
//	[1 byte name length][name bytes][1 byte type][8 bytes of fields]
//
// Every message type carries exactly one identity as two big-endian uint32
// fields (port zero-extended): Request and Release carry the sender's
// (ip, port), Grant and Deny carry the target's; Grant and Deny do not carry
// the sender's identity. Name length and type are framing, not protocol
// fields.
func Encode(w io.Writer, m Message) error {
	if len(m.MutexName) > maxNameLen {
		return ErrNameTooLong
	}
	if m.Type < Request || m.Type > Release {
		return ErrUnknownMessageType
	}

	buf := make([]byte, 0, 1+len(m.MutexName)+1+8)
	buf = append(buf, byte(len(m.MutexName)))
	buf = append(buf, m.MutexName...)
	buf = append(buf, byte(m.Type))

	id := m.Sender
	if m.Type.carriesTarget() {
		id = m.Target
	}
	var fields [8]byte
	binary.BigEndian.PutUint32(fields[0:4], id.IP)
	binary.BigEndian.PutUint32(fields[4:8], uint32(id.Port))
	buf = append(buf, fields[:]...)

	_, err := w.Write(buf)
	return err
}

// Decode reads exactly one frame from r and parses it into a Message.
// It returns io.EOF when r ends at a boundary between the parts of a frame
// (including before its first byte), io.ErrUnexpectedEOF when r ends partway
// through the name or the fields, and ErrUnknownMessageType for a type byte
// outside Request..Release. transport/tcp treats each of these as a
// connection failure rather than a protocol anomaly.
func Decode(r io.Reader) (Message, error) {
	var nameLen [1]byte
	if _, err := io.ReadFull(r, nameLen[:]); err != nil {
		return Message{}, err
	}

	name := make([]byte, nameLen[0])
	if len(name) > 0 {
		if _, err := io.ReadFull(r, name); err != nil {
			return Message{}, err
		}
	}

	var typeByte [1]byte
	if _, err := io.ReadFull(r, typeByte[:]); err != nil {
		return Message{}, err
	}
	t := MessageType(typeByte[0])
	if t < Request || t > Release {
		return Message{}, ErrUnknownMessageType
	}

	var fields [8]byte
	if _, err := io.ReadFull(r, fields[:]); err != nil {
		return Message{}, err
	}
	id := Identity{
		IP:   binary.BigEndian.Uint32(fields[0:4]),
		Port: uint16(binary.BigEndian.Uint32(fields[4:8])),
	}

	m := Message{MutexName: string(name), Type: t}
	if t.carriesTarget() {
		m.Target = id
	} else {
		m.Sender = id
	}
	return m, nil
}
