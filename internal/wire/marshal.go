package wire

import "encoding/binary"

// Descriptor is the fully-decomposed form of a bulk handle ready to be
// sized, encoded, or that has just been decoded. Handle-layer and NA-layer
// concerns (reference counts, live pointers, registration state) never
// appear here; this package only knows about bytes.
type Descriptor struct {
	Permission uint8
	Eager      bool
	SM         bool
	Bound      bool
	Regv       bool

	Segments []SegmentRecord

	// HandleBlobs holds one opaque NA-serialized memory handle per
	// entry. Per spec, when Regv is true (or there is exactly one
	// segment) this has exactly one entry covering every segment;
	// otherwise it has one entry per segment, in segment order.
	HandleBlobs [][]byte

	BindAddr  []byte // nil unless Bound
	BindCtxID uint8

	EagerData []byte // nil unless Eager
}

// Size computes the exact number of bytes Encode will produce, so callers
// can allocate precisely instead of growing a buffer.
func Size(d *Descriptor) uint64 {
	n := uint64(HeaderSize)
	n += uint64(len(d.Segments)) * segmentRecordSize
	for _, blob := range d.HandleBlobs {
		n += 4 + uint64(len(blob)) // length prefix + blob
	}
	if d.Bound {
		n += 4 + uint64(len(d.BindAddr)) + 1 // addr_size, addr_bytes, context_id
	}
	if d.Eager {
		n += 4 + uint64(len(d.EagerData))
	}
	return n
}

// Encode writes d into buf, which must be at least Size(d) bytes, and
// returns the number of bytes written.
func Encode(buf []byte, d *Descriptor) (int, error) {
	need := Size(d)
	if uint64(len(buf)) < need {
		return 0, ErrShortBuffer
	}

	var totalLen uint64
	for _, s := range d.Segments {
		totalLen += s.Len
	}

	var flags uint16
	if d.Eager {
		flags |= FlagEager
	}
	if d.SM {
		flags |= FlagSM
	}
	if d.Bound {
		flags |= FlagBound
	}
	if d.Regv {
		flags |= FlagRegv
	}

	h := Header{
		Magic:      Magic,
		Version:    1,
		Permission: d.Permission,
		Flags:      flags,
		NumSegs:    uint32(len(d.Segments)),
		AddrSize:   uint32(len(d.BindAddr)),
		TotalLen:   totalLen,
		NumHandles: uint32(len(d.HandleBlobs)),
	}
	if d.Bound {
		h.CtxID = d.BindCtxID
	}
	encodeHeader(buf, &h)
	off := HeaderSize

	for _, s := range d.Segments {
		putUint64(buf[off:off+8], s.Base)
		putUint64(buf[off+8:off+16], s.Len)
		off += segmentRecordSize
	}

	for _, blob := range d.HandleBlobs {
		putUint32(buf[off:off+4], uint32(len(blob)))
		off += 4
		copy(buf[off:], blob)
		off += len(blob)
	}

	if d.Bound {
		putUint32(buf[off:off+4], uint32(len(d.BindAddr)))
		off += 4
		copy(buf[off:], d.BindAddr)
		off += len(d.BindAddr)
		buf[off] = d.BindCtxID
		off++
	}

	if d.Eager {
		putUint32(buf[off:off+4], uint32(len(d.EagerData)))
		off += 4
		copy(buf[off:], d.EagerData)
		off += len(d.EagerData)
	}

	return off, nil
}

// Decode parses buf into a Descriptor. All returned byte slices alias buf;
// callers that need to retain them past buf's lifetime must copy.
func Decode(buf []byte) (*Descriptor, int, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	off := HeaderSize

	d := &Descriptor{
		Permission: h.Permission,
		Eager:      h.Flags&FlagEager != 0,
		SM:         h.Flags&FlagSM != 0,
		Bound:      h.Flags&FlagBound != 0,
		Regv:       h.Flags&FlagRegv != 0,
	}

	segs := make([]SegmentRecord, h.NumSegs)
	for i := range segs {
		if off+segmentRecordSize > len(buf) {
			return nil, 0, ErrTruncatedField
		}
		segs[i].Base = binary.LittleEndian.Uint64(buf[off : off+8])
		segs[i].Len = binary.LittleEndian.Uint64(buf[off+8 : off+16])
		off += segmentRecordSize
	}
	d.Segments = segs

	blobs := make([][]byte, h.NumHandles)
	for i := range blobs {
		if off+4 > len(buf) {
			return nil, 0, ErrTruncatedField
		}
		l := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+l > len(buf) {
			return nil, 0, ErrTruncatedField
		}
		blobs[i] = buf[off : off+l]
		off += l
	}
	d.HandleBlobs = blobs

	if d.Bound {
		if off+4 > len(buf) {
			return nil, 0, ErrTruncatedField
		}
		addrSize := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+addrSize+1 > len(buf) {
			return nil, 0, ErrTruncatedField
		}
		d.BindAddr = buf[off : off+addrSize]
		off += addrSize
		d.BindCtxID = buf[off]
		off++
	}

	if d.Eager {
		if off+4 > len(buf) {
			return nil, 0, ErrTruncatedField
		}
		l := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+l > len(buf) {
			return nil, 0, ErrTruncatedField
		}
		d.EagerData = buf[off : off+l]
		off += l
	}

	return d, off, nil
}
