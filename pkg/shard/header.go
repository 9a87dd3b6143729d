package shard

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// EntryKind tags a replicated log entry.
type EntryKind uint16

const (
	EntryUnknown EntryKind = iota
	EntryCreateShard
	EntrySealShard
)

const (
	headerMagic   uint16 = 0x784f // "xO"
	headerVersion uint16 = 1

	// HeaderSize is the encoded size of Header in bytes.
	HeaderSize = 28
)

// Header precedes every replicated shard mutation. PayloadCRC covers
// the padded payload bytes; HeaderCRC covers every header field before
// it, so header corruption is detectable independent of the payload.
type Header struct {
	Magic       uint16
	Version     uint16
	Kind        EntryKind
	PG          uint16
	Shard       uint64
	PayloadSize uint32
	PayloadCRC  uint32
	HeaderCRC   uint32
}

// Checksum is the CRC used for both payload and header integrity.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// NewHeader builds a sealed header for the given padded payload.
func NewHeader(kind EntryKind, pg uint16, id uint64, payload []byte) Header {
	h := Header{
		Magic:       headerMagic,
		Version:     headerVersion,
		Kind:        kind,
		PG:          pg,
		Shard:       id,
		PayloadSize: uint32(len(payload)),
		PayloadCRC:  Checksum(payload),
	}
	h.Seal()
	return h
}

// Seal computes the header's self-integrity check. It must be called
// after every other field is final.
func (h *Header) Seal() {
	h.HeaderCRC = h.selfCRC()
}

// Corrupted reports whether the header fails its self-integrity check.
func (h Header) Corrupted() bool {
	return h.Magic != headerMagic || h.HeaderCRC != h.selfCRC()
}

func (h Header) selfCRC() uint32 {
	b := h.encode()
	return Checksum(b[:HeaderSize-4])
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(b[0:], h.Magic)
	binary.LittleEndian.PutUint16(b[2:], h.Version)
	binary.LittleEndian.PutUint16(b[4:], uint16(h.Kind))
	binary.LittleEndian.PutUint16(b[6:], h.PG)
	binary.LittleEndian.PutUint64(b[8:], h.Shard)
	binary.LittleEndian.PutUint32(b[16:], h.PayloadSize)
	binary.LittleEndian.PutUint32(b[20:], h.PayloadCRC)
	binary.LittleEndian.PutUint32(b[24:], h.HeaderCRC)
	return b
}

// Encode serializes the header to its fixed binary layout.
func (h Header) Encode() []byte {
	return h.encode()
}

// DecodeHeader parses a header from its fixed binary layout. It does
// not validate integrity; callers check Corrupted separately so a bad
// checksum can be reported rather than swallowed.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("shard: header too short: %d bytes", len(b))
	}
	return Header{
		Magic:       binary.LittleEndian.Uint16(b[0:]),
		Version:     binary.LittleEndian.Uint16(b[2:]),
		Kind:        EntryKind(binary.LittleEndian.Uint16(b[4:])),
		PG:          binary.LittleEndian.Uint16(b[6:]),
		Shard:       binary.LittleEndian.Uint64(b[8:]),
		PayloadSize: binary.LittleEndian.Uint32(b[16:]),
		PayloadCRC:  binary.LittleEndian.Uint32(b[20:]),
		HeaderCRC:   binary.LittleEndian.Uint32(b[24:]),
	}, nil
}
