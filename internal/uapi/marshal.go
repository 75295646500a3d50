package uapi

import "encoding/binary"

// Marshal converts a record to its little-endian wire form
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *CmdHdr:
		return marshalCmdHdr(val)
	case *FBQHdr:
		return marshalFBQHdr(val)
	case *InitQueueEntry:
		return marshalInitQueueEntry(val)
	default:
		return nil
	}
}

// Unmarshal converts wire bytes back to a record
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *CmdHdr:
		return unmarshalCmdHdr(data, val)
	case *FBQHdr:
		return unmarshalFBQHdr(data, val)
	case *InitQueueEntry:
		return unmarshalInitQueueEntry(data, val)
	default:
		return ErrInvalidType
	}
}

func marshalCmdHdr(h *CmdHdr) []byte {
	return []byte{h.UnitID, h.Size, h.CtrlFlags, h.SeqID}
}

func unmarshalCmdHdr(data []byte, h *CmdHdr) error {
	if len(data) < CmdHdrSize {
		return ErrInsufficientData
	}

	h.UnitID = data[0]
	h.Size = data[1]
	h.CtrlFlags = data[2]
	h.SeqID = data[3]

	return nil
}

func marshalFBQHdr(h *FBQHdr) []byte {
	buf := make([]byte, FBQHdrSize)
	PutFBQHdr(buf, h)
	return buf
}

// PutFBQHdr writes the header into buf without allocating
func PutFBQHdr(buf []byte, h *FBQHdr) {
	binary.LittleEndian.PutUint32(buf[0:4], h.ElementIndex)
	binary.LittleEndian.PutUint32(buf[4:8], h.PayloadSize)
}

func unmarshalFBQHdr(data []byte, h *FBQHdr) error {
	if len(data) < FBQHdrSize {
		return ErrInsufficientData
	}

	h.ElementIndex = binary.LittleEndian.Uint32(data[0:4])
	h.PayloadSize = binary.LittleEndian.Uint32(data[4:8])

	return nil
}

func marshalInitQueueEntry(e *InitQueueEntry) []byte {
	buf := make([]byte, InitQueueEntrySize)

	buf[0] = e.ID
	buf[1] = e.Index
	buf[2] = e.Direction
	buf[3] = e.Type
	binary.LittleEndian.PutUint32(buf[4:8], e.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], e.Size)
	binary.LittleEndian.PutUint32(buf[12:16], e.ElementSize)

	return buf
}

func unmarshalInitQueueEntry(data []byte, e *InitQueueEntry) error {
	if len(data) < InitQueueEntrySize {
		return ErrInsufficientData
	}

	e.ID = data[0]
	e.Index = data[1]
	e.Direction = data[2]
	e.Type = data[3]
	e.Offset = binary.LittleEndian.Uint32(data[4:8])
	e.Size = binary.LittleEndian.Uint32(data[8:12])
	e.ElementSize = binary.LittleEndian.Uint32(data[12:16])

	return nil
}

// MarshalInitPayload encodes a queue table as an INIT message payload:
// one count byte followed by the entries
func MarshalInitPayload(entries []InitQueueEntry) []byte {
	buf := make([]byte, 1, 1+len(entries)*InitQueueEntrySize)
	buf[0] = uint8(len(entries))
	for i := range entries {
		buf = append(buf, marshalInitQueueEntry(&entries[i])...)
	}
	return buf
}

// UnmarshalInitPayload decodes an INIT message payload
func UnmarshalInitPayload(data []byte) ([]InitQueueEntry, error) {
	if len(data) < 1 {
		return nil, ErrInsufficientData
	}

	n := int(data[0])
	if len(data) < 1+n*InitQueueEntrySize {
		return nil, ErrInsufficientData
	}

	entries := make([]InitQueueEntry, n)
	for i := 0; i < n; i++ {
		off := 1 + i*InitQueueEntrySize
		if err := unmarshalInitQueueEntry(data[off:], &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// MarshalError is returned for malformed records
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)
