package storage

import (
	"encoding/hex"
	"fmt"
)

// Key schema:
//
//	ord:<orderID>                         → order record
//	st:<orderID>                          → driver state
//	msg:<hex orderID>:<createdAt>:<eventID> → direct message
//
// Order ids are arbitrary wire strings, so they are hex encoded inside
// message keys to keep one order's prefix from covering another's.
const (
	prefixOrder   = "ord:"
	prefixState   = "st:"
	prefixMessage = "msg:"
)

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

func stateKey(orderID string) []byte {
	return []byte(prefixState + orderID)
}

// messageKey zero-pads the timestamp (20 digits) so keys sort by time.
func messageKey(orderID string, createdAt int64, eventID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixMessage, hex.EncodeToString([]byte(orderID)), createdAt, eventID))
}

func messagePrefix(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixMessage, hex.EncodeToString([]byte(orderID))))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
