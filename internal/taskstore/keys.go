package taskstore

import "encoding/binary"

// Key prefixes for task storage and its indexes.
const (
	prefixTask     = "task/"      // task record by id
	prefixPending  = "pending/"   // visible pending index, FIFO per command
	prefixClaimed  = "claimed/"   // claimed index per command
	prefixFailed   = "failed/"    // terminal failures per command
	prefixDelay    = "delay_idx/" // not-yet-visible pending tasks
	prefixLeaseIdx = "lease_idx/" // lease expiry index
	prefixIdem     = "idem/"      // idempotency key to task id
	prefixRetain   = "retain/"    // retention deadline for terminal tasks

	keyMetaSeq = "meta/seq" // last assigned creation sequence
)

// TaskKey returns the record key for a task id.
// Format: task/{id}
func TaskKey(id string) []byte {
	return []byte(prefixTask + id)
}

// PendingKey returns the visible-pending index key.
// Format: pending/{command}/{seq} with seq big-endian so iteration is
// oldest-first.
func PendingKey(command string, seq uint64) []byte {
	prefix := prefixPending + command + "/"
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// PendingPrefix returns the iteration prefix for one command's pending index.
func PendingPrefix(command string) []byte {
	return []byte(prefixPending + command + "/")
}

// ClaimedKey returns the claimed index key.
// Format: claimed/{command}/{seq}
func ClaimedKey(command string, seq uint64) []byte {
	prefix := prefixClaimed + command + "/"
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// ClaimedPrefix returns the iteration prefix for one command's claimed index.
func ClaimedPrefix(command string) []byte {
	return []byte(prefixClaimed + command + "/")
}

// FailedKey returns the terminal-failure index key.
// Format: failed/{command}/{seq}
func FailedKey(command string, seq uint64) []byte {
	prefix := prefixFailed + command + "/"
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// FailedPrefix returns the iteration prefix for one command's failure index.
func FailedPrefix(command string) []byte {
	return []byte(prefixFailed + command + "/")
}

// DelayKey returns the delayed-visibility index key.
// Format: delay_idx/{command}/{visible_at_ms}/{seq}
func DelayKey(command string, visibleAtMs uint64, seq uint64) []byte {
	prefix := prefixDelay + command + "/"
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], visibleAtMs)
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

// DelayPrefix returns the iteration prefix for one command's delay index.
func DelayPrefix(command string) []byte {
	return []byte(prefixDelay + command + "/")
}

// LeaseIdxKey returns the lease expiry index key.
// Format: lease_idx/{expires_at_ms}/{id}
func LeaseIdxKey(expiresAtMs uint64, id string) []byte {
	key := make([]byte, len(prefixLeaseIdx)+8+len(id))
	copy(key, prefixLeaseIdx)
	binary.BigEndian.PutUint64(key[len(prefixLeaseIdx):], expiresAtMs)
	copy(key[len(prefixLeaseIdx)+8:], id)
	return key
}

// LeaseIdxPrefix returns the iteration prefix for the lease expiry index.
func LeaseIdxPrefix() []byte {
	return []byte(prefixLeaseIdx)
}

// IdemKey returns the idempotency mapping key.
// Format: idem/{key}
func IdemKey(key string) []byte {
	return []byte(prefixIdem + key)
}

// RetainKey returns the retention index key for a terminal task.
// Format: retain/{deadline_ms}/{id}
func RetainKey(deadlineMs uint64, id string) []byte {
	key := make([]byte, len(prefixRetain)+8+len(id))
	copy(key, prefixRetain)
	binary.BigEndian.PutUint64(key[len(prefixRetain):], deadlineMs)
	copy(key[len(prefixRetain)+8:], id)
	return key
}

// RetainPrefix returns the iteration prefix for the retention index.
func RetainPrefix() []byte {
	return []byte(prefixRetain)
}

// MetaSeqKey returns the key holding the last assigned sequence.
func MetaSeqKey() []byte {
	return []byte(keyMetaSeq)
}

// upperBound returns the exclusive upper bound for iterating prefix.
func upperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}
