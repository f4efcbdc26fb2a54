package bulk

import (
	"github.com/daos-stack/mercury-bulk/internal/handle"
	"github.com/daos-stack/mercury-bulk/internal/na"
	"github.com/daos-stack/mercury-bulk/internal/wire"
)

// describeForWire flattens h into the byte-level shape wire.Encode wants,
// serializing each of h's underlying NA memory handles through class.
func describeForWire(class na.Class, h *handle.Handle) *wire.Descriptor {
	mhs := h.MemHandles()
	blobs := make([][]byte, len(mhs))
	for i, mh := range mhs {
		size := class.SerializeSize(mh)
		buf := make([]byte, size)
		n, err := class.Serialize(buf, mh)
		if err != nil {
			// A serialize failure here means the NA transport rejected a
			// handle it itself created; surface an empty blob rather than
			// panicking so Encode still produces a well-formed (if
			// useless) descriptor the caller's error handling can catch
			// via a subsequent round-trip failure.
			blobs[i] = nil
			continue
		}
		blobs[i] = buf[:n]
	}

	layout := h.Layout()
	segs := make([]wire.SegmentRecord, len(layout))
	for i, s := range layout {
		segs[i] = wire.SegmentRecord{Base: s.Base, Len: s.Len}
	}

	desc := &wire.Descriptor{
		Permission:  uint8(h.Permission()),
		Eager:       h.IsEager(),
		SM:          h.Flags()&handle.FlagSM != 0,
		Bound:       h.Flags()&handle.FlagBound != 0,
		Regv:        h.IsRegv(),
		Segments:    segs,
		HandleBlobs: blobs,
	}

	if desc.Bound {
		addr, ctxID := h.BoundPeer()
		if addr != nil {
			desc.BindAddr = addr.Bytes()
		}
		desc.BindCtxID = ctxID
	}

	if desc.Eager {
		eager := make([]byte, h.TotalLen())
		var pos uint64
		_ = handle.Access(h, 0, h.TotalLen(), func(buf []byte) {
			copy(eager[pos:], buf)
			pos += uint64(len(buf))
		})
		desc.EagerData = eager
	}

	return desc
}

// deserializeHandle rebuilds a *handle.Handle from a peer's wire bytes.
// The resulting handle is never registered locally (handle.registered
// stays false), so Free on it never touches NA.
func deserializeHandle(class na.Class, buf []byte) (*handle.Handle, int, error) {
	desc, n, err := wire.Decode(buf)
	if err != nil {
		return nil, 0, err
	}

	segs := make([]handle.Segment, len(desc.Segments))
	for i, s := range desc.Segments {
		segs[i] = handle.Segment{Base: s.Base, Len: s.Len}
	}

	mhs := make([]na.MemHandle, len(desc.HandleBlobs))
	for i, blob := range desc.HandleBlobs {
		mh, _, err := class.Deserialize(blob)
		if err != nil {
			return nil, 0, err
		}
		mhs[i] = mh
	}

	var addr na.Address
	if desc.Bound {
		addr, err = class.AddressFromBytes(desc.BindAddr)
		if err != nil {
			return nil, 0, err
		}
	}

	h := handle.NewDecoded(segs, handle.Permission(desc.Permission), desc.Regv, mhs, addr, desc.BindCtxID, desc.EagerData)
	return h, n, nil
}
