package ir

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DomainEntry separates entry ids from any other hash computed over keys.
// The version suffix allows the algorithm to change without collisions.
const DomainEntry = "livesync/entry/v1"

// EntryID returns the compact identifier a server sends in place of the full
// cache key in `subscribed` and `data` messages.
//
// Format: "e" + hex(xxhash64(domain + 0x00 + key))
func EntryID(key string) string {
	h := xxhash.New()
	_, _ = h.WriteString(DomainEntry)
	_, _ = h.Write([]byte{0x00})
	_, _ = h.WriteString(key)
	return "e" + strconv.FormatUint(h.Sum64(), 16)
}
