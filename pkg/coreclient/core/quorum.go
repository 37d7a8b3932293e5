package core

import "bytes"

// Slot is one peer's response payload for a given pending request or
// sync tick; nil means no response has arrived yet from that peer.
type Slot []byte

// QuorumSize implements the Quorum Comparator (spec.md §4.1): given a
// vector of opaque response payloads, some possibly absent, it returns
// the size of the largest group of byte-exact-equal payloads. Absent
// slots never count towards any group. Comparison is on raw wire
// bytes deliberately — semantically-equal but differently-serialized
// replies are not coalesced, since peers are assumed to serialize
// identically.
func QuorumSize(slots []Slot) int {
	size, _ := QuorumValue(slots)
	return size
}

// QuorumValue is QuorumSize plus the winning slot's bytes: the payload
// of the largest group of byte-exact-equal, non-absent slots. Callers
// that need to resolve with "the parsed reply from any agreeing slot"
// (spec.md §4.4) must use this rather than picking the first non-nil
// slot, which may belong to a minority group.
func QuorumValue(slots []Slot) (Slot, int) {
	best := 0
	var bestSlot Slot
	counted := make([]bool, len(slots))
	for i, s := range slots {
		if s == nil || counted[i] {
			continue
		}
		count := 1
		for j := i + 1; j < len(slots); j++ {
			if counted[j] || slots[j] == nil {
				continue
			}
			if bytes.Equal(s, slots[j]) {
				count++
				counted[j] = true
			}
		}
		if count > best {
			best = count
			bestSlot = s
		}
	}
	return bestSlot, best
}
