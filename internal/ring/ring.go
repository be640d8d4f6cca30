// Package ring provides the bounded producer/consumer buffers that couple
// each pipeline's input and output goroutines: a byte ring for the record
// side and a frame ring for the replay side.
//
// Both rings are safe for exactly one producer and one consumer. Put and
// Get never block; the loops idle briefly when the ring is full or empty.
//
// Mode transitions need to discard in-flight data without either goroutine
// tearing state under the other. Both rings therefore carry a drain gate:
// the controller raises a block flag, both endpoints observe it, stop
// moving data and acknowledge quiescence, and only then does the
// controller clear the buffer and release the gate.
package ring

import (
	"sync/atomic"
	"time"
)

// drainTimeout bounds how long Block waits for both endpoints to
// acknowledge before proceeding anyway (an endpoint may have exited).
const drainTimeout = 2 * time.Second

// gate is the two-phase rendezvous used to quiesce a ring: one block flag
// raised by the controller, one quiescence acknowledgement per endpoint.
type gate struct {
	blocked       atomic.Bool
	producerQuiet atomic.Bool
	consumerQuiet atomic.Bool
	producerDone  atomic.Bool
	consumerDone  atomic.Bool
}

// Blocked reports whether a drain is in progress. While it returns true,
// the producer must call AckProducer and stop putting, and the consumer
// must release any borrowed frame, call AckConsumer and stop getting.
func (g *gate) Blocked() bool {
	return g.blocked.Load()
}

// AckProducer acknowledges that the producer has gone quiescent.
func (g *gate) AckProducer() {
	g.producerQuiet.Store(true)
}

// AckConsumer acknowledges that the consumer has gone quiescent.
func (g *gate) AckConsumer() {
	g.consumerQuiet.Store(true)
}

// ProducerDone marks the producer as permanently quiescent: its
// goroutine has exited. Subsequent drains no longer wait for it.
func (g *gate) ProducerDone() {
	g.producerDone.Store(true)
}

// ConsumerDone marks the consumer as permanently quiescent.
func (g *gate) ConsumerDone() {
	g.consumerDone.Store(true)
}

// Block raises the drain flag and waits until both endpoints acknowledge
// quiescence (or the drain timeout passes, covering an endpoint that was
// abandoned mid-operation). The caller then owns the ring until Release.
func (g *gate) Block() {
	g.blocked.Store(true)
	deadline := time.Now().Add(drainTimeout)
	for !g.quiescent() {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func (g *gate) quiescent() bool {
	return (g.producerQuiet.Load() || g.producerDone.Load()) &&
		(g.consumerQuiet.Load() || g.consumerDone.Load())
}

// Release lowers the drain flag and re-arms the acknowledgements.
func (g *gate) Release() {
	g.producerQuiet.Store(false)
	g.consumerQuiet.Store(false)
	g.blocked.Store(false)
}
