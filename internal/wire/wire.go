// Package wire implements the on-the-wire bulk descriptor format: a fixed
// header, a segment array, one or more memory-handle blocks, an optional
// bind block, and an optional inline eager-data block.
package wire

import (
	"encoding/binary"
	"errors"
	"unsafe"
)

// Header is the fixed-size prefix of every serialized bulk descriptor.
// Field order and width are part of the wire contract: changing either
// breaks compatibility with any peer running an older build.
type Header struct {
	Magic      uint32
	Version    uint8
	Permission uint8
	Flags      uint16 // eager | sm | bound | regv, see FlagEager etc. below
	NumSegs    uint32
	AddrSize   uint32 // 0 unless FlagBound set
	TotalLen   uint64
	NumHandles uint32
	CtxID      uint8
	_          [3]byte // padding
}

const HeaderSize = 32

var _ [HeaderSize]byte = [unsafe.Sizeof(Header{})]byte{}

const Magic uint32 = 0x4d455242 // "MERB"

const (
	FlagEager uint16 = 1 << iota
	FlagSM
	FlagBound
	FlagRegv
)

var (
	ErrShortBuffer    = errors.New("wire: buffer too short")
	ErrBadMagic       = errors.New("wire: bad magic")
	ErrBadVersion     = errors.New("wire: unsupported version")
	ErrTruncatedField = errors.New("wire: truncated variable-length field")
)

// SegmentRecord is the wire representation of one handle.Segment: a base
// address (meaningful only to the owning process, included for parity
// with the reference implementation) and a length.
type SegmentRecord struct {
	Base uint64
	Len  uint64
}

const segmentRecordSize = 16

// HandleBlock is one serialized NA memory handle: a length-prefixed
// opaque byte blob produced by na.Class.Serialize. When the source
// handle is a regv registration (or has exactly one segment), exactly
// one HandleBlock is emitted regardless of segment count; otherwise one
// block is emitted per segment, in segment order.
type HandleBlock struct {
	Len  uint32
	Blob []byte
}

func putUint16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

func encodeHeader(buf []byte, h *Header) {
	putUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Permission
	putUint16(buf[6:8], h.Flags)
	putUint32(buf[8:12], h.NumSegs)
	putUint32(buf[12:16], h.AddrSize)
	putUint64(buf[16:24], h.TotalLen)
	putUint32(buf[24:28], h.NumHandles)
	buf[28] = h.CtxID
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != Magic {
		return Header{}, ErrBadMagic
	}
	h.Version = buf[4]
	if h.Version != 1 {
		return Header{}, ErrBadVersion
	}
	h.Permission = buf[5]
	h.Flags = binary.LittleEndian.Uint16(buf[6:8])
	h.NumSegs = binary.LittleEndian.Uint32(buf[8:12])
	h.AddrSize = binary.LittleEndian.Uint32(buf[12:16])
	h.TotalLen = binary.LittleEndian.Uint64(buf[16:24])
	h.NumHandles = binary.LittleEndian.Uint32(buf[24:28])
	h.CtxID = buf[28]
	return h, nil
}
