package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/orbitalio/constellation/pkg/cerrors"
)

const (
	nodeIDFieldSize      = 64
	nodeNameFieldSize    = 256
	nodeAddressFieldSize = 64
)

// nodeRecordSize is the encoded size of NodeRecord in bytes, per spec §6:
// id[64], name[256], address[64], port:u16, state:u32, last_seen:u64,
// incarnation:u64, failed_pings:i32, max_instances:u32, current_instances:u32,
// cpu_total:f64, cpu_available:f64, ram_total_mb:u64, ram_available_mb:u64.
const nodeRecordSize = nodeIDFieldSize + nodeNameFieldSize + nodeAddressFieldSize +
	2 + 4 + 8 + 8 + 4 + 4 + 4 + 8 + 8 + 8 + 8

// NodeRecord is the fixed-layout on-wire representation of a cluster node,
// carried as the payload of ANNOUNCE/SUSPECT/CONFIRM/LEAVE messages.
type NodeRecord struct {
	ID               string
	Name             string
	Address          string
	Port             uint16
	State            uint32
	LastSeenMS       uint64
	Incarnation      uint64
	FailedPings      int32
	MaxInstances     uint32
	CurrentInstances uint32
	CPUTotal         float64
	CPUAvailable     float64
	RAMTotalMB       uint64
	RAMAvailableMB   uint64
}

// EncodeNodeRecord serializes a NodeRecord to its fixed-layout wire form.
func EncodeNodeRecord(rec NodeRecord) ([]byte, error) {
	if len(rec.ID) > nodeIDFieldSize || len(rec.Name) > nodeNameFieldSize || len(rec.Address) > nodeAddressFieldSize {
		return nil, fmt.Errorf("node record field exceeds fixed width: %w", cerrors.InvalidParameter)
	}

	buf := new(bytes.Buffer)
	buf.Grow(nodeRecordSize)

	writeFixed(buf, rec.ID, nodeIDFieldSize)
	writeFixed(buf, rec.Name, nodeNameFieldSize)
	writeFixed(buf, rec.Address, nodeAddressFieldSize)

	_ = binary.Write(buf, binary.LittleEndian, rec.Port)
	_ = binary.Write(buf, binary.LittleEndian, rec.State)
	_ = binary.Write(buf, binary.LittleEndian, rec.LastSeenMS)
	_ = binary.Write(buf, binary.LittleEndian, rec.Incarnation)
	_ = binary.Write(buf, binary.LittleEndian, rec.FailedPings)
	_ = binary.Write(buf, binary.LittleEndian, rec.MaxInstances)
	_ = binary.Write(buf, binary.LittleEndian, rec.CurrentInstances)
	_ = binary.Write(buf, binary.LittleEndian, rec.CPUTotal)
	_ = binary.Write(buf, binary.LittleEndian, rec.CPUAvailable)
	_ = binary.Write(buf, binary.LittleEndian, rec.RAMTotalMB)
	_ = binary.Write(buf, binary.LittleEndian, rec.RAMAvailableMB)

	return buf.Bytes(), nil
}

// DecodeNodeRecord parses a fixed-layout NodeRecord payload.
func DecodeNodeRecord(raw []byte) (NodeRecord, error) {
	if len(raw) < nodeRecordSize {
		return NodeRecord{}, fmt.Errorf("short node record (%d bytes): %w", len(raw), cerrors.WireFormat)
	}

	r := bytes.NewReader(raw)
	var rec NodeRecord

	rec.ID = readFixed(r, nodeIDFieldSize)
	rec.Name = readFixed(r, nodeNameFieldSize)
	rec.Address = readFixed(r, nodeAddressFieldSize)

	fields := []interface{}{
		&rec.Port, &rec.State, &rec.LastSeenMS, &rec.Incarnation, &rec.FailedPings,
		&rec.MaxInstances, &rec.CurrentInstances, &rec.CPUTotal, &rec.CPUAvailable,
		&rec.RAMTotalMB, &rec.RAMAvailableMB,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return NodeRecord{}, fmt.Errorf("decode node record: %w", cerrors.WireFormat)
		}
	}

	return rec, nil
}

func writeFixed(buf *bytes.Buffer, s string, width int) {
	b := make([]byte, width)
	copy(b, s)
	buf.Write(b)
}

func readFixed(r *bytes.Reader, width int) string {
	b := make([]byte, width)
	_, _ = r.Read(b)
	return trimNulls(b)
}
