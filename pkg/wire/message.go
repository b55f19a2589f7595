// Package wire implements the Constellation framed datagram format (spec
// §4.B, §6): a fixed little-endian header followed by an opaque payload,
// exchanged over an unreliable, fire-and-forget transport.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/orbitalio/constellation/pkg/cerrors"
)

// Magic identifies a Constellation datagram (spec §6). 0x52414453 spells
// "RADS" in big-endian byte order; since the header is little-endian, the
// first four bytes on the wire are "SDAR".
const Magic uint32 = 0x52414453

// Version is the only wire version this build understands.
const Version uint16 = 1

// SenderIDSize is the fixed, zero-padded width of the sender_id header field.
const SenderIDSize = 64

// Kind enumerates message kinds (spec §3).
type Kind uint32

const (
	KindPing Kind = iota + 1
	KindPong
	KindGossipAnnounce
	KindGossipSuspect
	KindGossipConfirm
	KindGossipLeave
	KindHeartbeat
	KindSyncRequest
	KindSyncResponse
	KindRequestVote
	KindRequestVoteReply
	KindAppendHeartbeat
	KindAppendHeartbeatReply
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindGossipAnnounce:
		return "GOSSIP_ANNOUNCE"
	case KindGossipSuspect:
		return "GOSSIP_SUSPECT"
	case KindGossipConfirm:
		return "GOSSIP_CONFIRM"
	case KindGossipLeave:
		return "GOSSIP_LEAVE"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindSyncRequest:
		return "SYNC_REQUEST"
	case KindSyncResponse:
		return "SYNC_RESPONSE"
	case KindRequestVote:
		return "REQUEST_VOTE"
	case KindRequestVoteReply:
		return "REQUEST_VOTE_REPLY"
	case KindAppendHeartbeat:
		return "APPEND_HEARTBEAT"
	case KindAppendHeartbeatReply:
		return "APPEND_HEARTBEAT_REPLY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(k))
	}
}

// headerSize is the encoded size of Header in bytes:
// magic(4) + version(2) + kind(4) + payload_size(4) + sender_id(64) + timestamp_ms(8)
const headerSize = 4 + 2 + 4 + 4 + SenderIDSize + 8

// Header is the fixed datagram header (spec §6).
type Header struct {
	Kind         Kind
	PayloadSize  uint32
	SenderID     string
	TimestampMS  uint64
}

// Message is a fully decoded datagram.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a Message with the header populated from senderID and
// the current time.
func NewMessage(kind Kind, senderID string, payload []byte) Message {
	return Message{
		Header: Header{
			Kind:        kind,
			PayloadSize: uint32(len(payload)),
			SenderID:    senderID,
			TimestampMS: uint64(time.Now().UnixMilli()),
		},
		Payload: payload,
	}
}

// Encode serializes the message as Header || Payload, little-endian.
func (m Message) Encode() ([]byte, error) {
	if len(m.Header.SenderID) > SenderIDSize {
		return nil, fmt.Errorf("sender_id exceeds %d bytes: %w", SenderIDSize, cerrors.InvalidParameter)
	}

	buf := new(bytes.Buffer)
	buf.Grow(headerSize + len(m.Payload))

	if err := binary.Write(buf, binary.LittleEndian, Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, Version); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(m.Header.Kind)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(m.Payload))); err != nil {
		return nil, err
	}

	var sender [SenderIDSize]byte
	copy(sender[:], m.Header.SenderID)
	buf.Write(sender[:])

	if err := binary.Write(buf, binary.LittleEndian, m.Header.TimestampMS); err != nil {
		return nil, err
	}

	buf.Write(m.Payload)

	return buf.Bytes(), nil
}

// Decode parses a raw datagram, rejecting frames whose magic/version
// mismatch or whose remaining bytes are fewer than the declared
// payload_size (spec §4.B). Bytes beyond payload_size are ignored.
func Decode(raw []byte) (Message, error) {
	if len(raw) < headerSize {
		return Message{}, fmt.Errorf("short frame (%d bytes): %w", len(raw), cerrors.WireFormat)
	}

	r := bytes.NewReader(raw)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return Message{}, fmt.Errorf("read magic: %w", cerrors.WireFormat)
	}
	if magic != Magic {
		return Message{}, fmt.Errorf("bad magic 0x%x: %w", magic, cerrors.WireFormat)
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Message{}, fmt.Errorf("read version: %w", cerrors.WireFormat)
	}
	if version != Version {
		return Message{}, fmt.Errorf("unsupported version %d: %w", version, cerrors.WireFormat)
	}

	var kind uint32
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return Message{}, fmt.Errorf("read kind: %w", cerrors.WireFormat)
	}

	var payloadSize uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadSize); err != nil {
		return Message{}, fmt.Errorf("read payload_size: %w", cerrors.WireFormat)
	}

	var sender [SenderIDSize]byte
	if _, err := r.Read(sender[:]); err != nil {
		return Message{}, fmt.Errorf("read sender_id: %w", cerrors.WireFormat)
	}

	var ts uint64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return Message{}, fmt.Errorf("read timestamp: %w", cerrors.WireFormat)
	}

	payload := make([]byte, payloadSize)
	n, err := r.Read(payload)
	if payloadSize > 0 && (err != nil || uint32(n) != payloadSize) {
		return Message{}, fmt.Errorf("short payload (want %d got %d): %w", payloadSize, n, cerrors.WireFormat)
	}

	return Message{
		Header: Header{
			Kind:        Kind(kind),
			PayloadSize: payloadSize,
			SenderID:    trimNulls(sender[:]),
			TimestampMS: ts,
		},
		Payload: payload,
	}, nil
}

func trimNulls(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return string(b)
	}
	return string(b[:i])
}
