// Package placeholder rewrites an abstract SQL placeholder token into a
// backend's positional parameter form ($1, $2, ...).
package placeholder

import (
	"strconv"
	"strings"
)

// Replace rewrites every left-to-right, non-overlapping occurrence of
// token in sql with "$k", where k starts at 1 and increments once per
// match. It operates on a byte-level view of the string and does not
// interpret SQL syntax — a token inside a string literal is rewritten
// just like any other, matching the behavior of the source this was
// distilled from. Avoiding that is the caller's responsibility.
func Replace(sql, token string) string {
	if token == "" {
		return sql
	}

	var b strings.Builder
	b.Grow(len(sql))

	count := 1
	rest := sql
	for {
		idx := strings.Index(rest, token)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(count))
		count++
		rest = rest[idx+len(token):]
	}
	return b.String()
}
