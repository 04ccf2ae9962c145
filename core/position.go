// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "fmt"

// Position identifies a stored entry by its segment and the offset of the
// entry within that segment. Positions are ordered first by segment, then
// by offset, and are usable as map keys.
type Position struct {
	Segment uint64
	Offset  uint64
}

// Less reports whether p sorts before other.
func (p Position) Less(other Position) bool {
	if p.Segment != other.Segment {
		return p.Segment < other.Segment
	}
	return p.Offset < other.Offset
}

// Next returns the position immediately following p within the same segment.
// Readers treat positions as lower bounds, so Next remains a valid resume
// point even when the following entry lives in a later segment.
func (p Position) Next() Position {
	return Position{Segment: p.Segment, Offset: p.Offset + 1}
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Offset)
}
