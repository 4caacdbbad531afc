package engine

import "sync/atomic"

// stats holds the allocation counters exposed at the command boundary.
// Channel counters track channel records, buffer counters track buffer
// records, and data-buffer counters track pooled byte regions.
type stats struct {
	channelAllocs atomic.Uint64
	channelFrees  atomic.Uint64
	bufferAllocs  atomic.Uint64
	bufferFrees   atomic.Uint64
	dataAllocs    atomic.Uint64
	dataFrees     atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the six counters.
type StatsSnapshot struct {
	ChannelAllocs     uint64
	ChannelFrees      uint64
	BufferAllocs      uint64
	BufferFrees       uint64
	DataBufferAllocs  uint64
	DataBufferFrees   uint64
}

// Stats returns a snapshot of the engine's allocation counters. At
// quiescence every alloc counter equals its free counter.
func (e *Engine) Stats() StatsSnapshot {
	return StatsSnapshot{
		ChannelAllocs:    e.stats.channelAllocs.Load(),
		ChannelFrees:     e.stats.channelFrees.Load(),
		BufferAllocs:     e.stats.bufferAllocs.Load(),
		BufferFrees:      e.stats.bufferFrees.Load(),
		DataBufferAllocs: e.stats.dataAllocs.Load(),
		DataBufferFrees:  e.stats.dataFrees.Load(),
	}
}

// Balanced reports whether every allocation has been freed.
func (s StatsSnapshot) Balanced() bool {
	return s.ChannelAllocs == s.ChannelFrees &&
		s.BufferAllocs == s.BufferFrees &&
		s.DataBufferAllocs == s.DataBufferFrees
}
