// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

// BatchInfo carries the aggregate accounting for one per-consumer send:
// the number of messages handed over and their total payload bytes. The
// dispatcher uses it for permit bookkeeping and dispatch rate accounting.
type BatchInfo struct {
	Messages int
	Bytes    int64
}

// Consumer is one attached subscriber of a persistent subscription.
//
// AvailablePermits is the consumer's advertised flow-control budget; it is
// maintained by the surrounding broker's permit tracking, not by the
// dispatcher. Send must not block: it hands the batch to the consumer's
// outbound path and returns a single-result channel that reports the
// completion of the send. The consumer releases the entries it was handed
// once they are on the wire.
type Consumer interface {
	ID() string
	AvailablePermits() int
	Send(entries []*Entry, batch BatchInfo) <-chan error
}
