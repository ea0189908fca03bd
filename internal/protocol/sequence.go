package protocol

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrOutOfSequence = errors.New("message out of sequence")

// Sequencer numbers outbound messages on one connection, starting at 1
type Sequencer struct {
	last atomic.Uint64
}

// Stamp assigns the next sequence number to msg
func (s *Sequencer) Stamp(msg *Message) {
	msg.Seq = s.last.Add(1)
}

// SequenceCheck verifies inbound sequence numbers strictly increase.
// It is used from a single reader goroutine.
type SequenceCheck struct {
	last uint64
}

// Check accepts seq if it is greater than every sequence seen so far
func (c *SequenceCheck) Check(seq uint64) error {
	if seq <= c.last {
		return fmt.Errorf("%w: got %d after %d", ErrOutOfSequence, seq, c.last)
	}
	c.last = seq
	return nil
}
