package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// FormatCursor builds the feed cursor token for a row: "<indexedAt>::<cid>".
func FormatCursor(indexedAt int64, cid string) string {
	return fmt.Sprintf("%d::%s", indexedAt, cid)
}

func ParseCursor(cursor string) (int64, string, error) {
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("%w: %q must be in format 'indexedAt::cid'", ErrInvalidCursor, cursor)
	}

	indexedAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad timestamp in %q: %v", ErrInvalidCursor, cursor, err)
	}

	return indexedAt, parts[1], nil
}
