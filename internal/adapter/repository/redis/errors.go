// Package redis implements the repositories on Redis. Every mutation that
// must be atomic runs as a single Lua script. Only the account CAS touches a
// single key; the other scripts also maintain index keys, so the store needs
// a single node or a Sentinel primary rather than a cluster.
package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/iho/casledger/internal/domain"
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", domain.ErrStorageUnavailable, op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	return time.Parse(time.RFC3339Nano, s)
}

func parseInt(fields map[string]string, key string) (int64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("field %s missing", key)
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}

	return n, nil
}
