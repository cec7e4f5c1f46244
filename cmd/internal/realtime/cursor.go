package realtime

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Contact-list cursors are opaque to clients: an encoded marker of the last
// id served. Keyset pagination keeps pages stable under concurrent inserts,
// unlike offsets.

const cursorPrefix = "ct1:"

func encodeContactCursor(lastID string) string {
	return cursorPrefix + base64.RawURLEncoding.EncodeToString([]byte(lastID))
}

func decodeContactCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, ok := strings.CutPrefix(cursor, cursorPrefix)
	if !ok {
		return "", errors.New("realtime: malformed cursor")
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", errors.New("realtime: malformed cursor")
	}
	return string(b), nil
}
