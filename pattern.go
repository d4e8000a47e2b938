package relay

import (
	"strings"
)

// MatchPattern reports whether a channel name matches a subscription pattern.
// A pattern is either an exact channel name, or a literal prefix followed by
// a trailing `*` that matches any channel sharing the prefix.
// `order.*` matches `order.created` and `order.cancelled` but not
// `invoice.created`. The wildcard is only recognized at the end.
func MatchPattern(pattern string, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}
