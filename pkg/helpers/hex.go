package helpers

import (
	"encoding/hex"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(Strip0x(s))
}

// Strip0x removes a leading 0x or 0X.
func Strip0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
