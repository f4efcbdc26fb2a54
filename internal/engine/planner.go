package engine

import (
	"sort"

	"github.com/daos-stack/mercury-bulk/internal/handle"
	"github.com/daos-stack/mercury-bulk/internal/na"
)

// step is one NA-level sub-operation: copy length bytes from localMH at
// localMHOff to remoteMH at remoteMHOff (or the reverse for a Pull, which
// the caller resolves by choosing which handle it calls "local" in the
// Put/Get call).
type step struct {
	localMH     na.MemHandle
	localMHOff  uint64
	remoteMH    na.MemHandle
	remoteMHOff uint64
	length      uint64
}

// planTransfer produces the minimal ordered set of sub-op steps covering
// [localOffset, localOffset+length) on local against [remoteOffset,
// remoteOffset+length) on remote. When both sides are a single contiguous
// registration (regv or one segment), it short-circuits to exactly one
// step regardless of how many logical segments either handle reports;
// per spec this collapse only applies when BOTH sides qualify, since a
// sub-op can never straddle a segment boundary on the side that doesn't.
func planTransfer(local *handle.Handle, localOffset uint64, remote *handle.Handle, remoteOffset uint64, length uint64) ([]step, error) {
	localFlat := local.IsRegv() || local.NumSegments() == 1
	remoteFlat := remote.IsRegv() || remote.NumSegments() == 1

	if localFlat && remoteFlat {
		lmh, lo := local.MemHandleAt(localOffset)
		rmh, ro := remote.MemHandleAt(remoteOffset)
		return []step{{localMH: lmh, localMHOff: lo, remoteMH: rmh, remoteMHOff: ro, length: length}}, nil
	}

	breaks := map[uint64]struct{}{0: {}, length: {}}
	for _, b := range boundariesWithin(local.Layout(), localOffset, length) {
		breaks[b] = struct{}{}
	}
	for _, b := range boundariesWithin(remote.Layout(), remoteOffset, length) {
		breaks[b] = struct{}{}
	}

	points := make([]uint64, 0, len(breaks))
	for b := range breaks {
		points = append(points, b)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	steps := make([]step, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		start, end := points[i], points[i+1]
		if start == end {
			continue
		}
		segLen := end - start
		lmh, lo := local.MemHandleAt(localOffset + start)
		rmh, ro := remote.MemHandleAt(remoteOffset + start)
		steps = append(steps, step{localMH: lmh, localMHOff: lo, remoteMH: rmh, remoteMHOff: ro, length: segLen})
	}
	return steps, nil
}

// boundariesWithin returns, relative to start, every point strictly
// inside (0, length) at which layout crosses from one segment to the
// next.
func boundariesWithin(layout []handle.Segment, start, length uint64) []uint64 {
	var out []uint64
	var cumulative uint64
	end := start + length
	for _, s := range layout {
		cumulative += s.Len
		if cumulative > start && cumulative < end {
			out = append(out, cumulative-start)
		}
		if cumulative >= end {
			break
		}
	}
	return out
}
