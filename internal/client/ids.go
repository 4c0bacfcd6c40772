package client

import "sync/atomic"

// subIDs allocates subscription ids for one multiplexer.
//
// Ids are strictly increasing and never reused, so an ack for a superseded
// subscription can be recognised and ignored.
//
// Thread-safety: safe for concurrent use (atomic operations).
type subIDs struct {
	seq atomic.Int64
}

// Next returns the next id. The first id is 1.
func (s *subIDs) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last id handed out.
func (s *subIDs) Current() int64 {
	return s.seq.Load()
}
