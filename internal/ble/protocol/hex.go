package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidHex is returned by DecodeHex for malformed input.
var ErrInvalidHex = errors.New("protocol: invalid hex")

// EncodeHex returns the lowercase hex form of b.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeHex parses a hex string as produced by the upper-layer SDK.
// Upper and lower case digits are accepted; an optional "0x" prefix is ignored.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrInvalidHex, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return b, nil
}

// Preview returns at most n bytes of b as hex, followed by "..." when truncated.
// Used for log lines.
func Preview(b []byte, n int) string {
	if len(b) <= n {
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b[:n]) + "..."
}
