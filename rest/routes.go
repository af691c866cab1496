package rest

import (
	"regexp"
	"strings"
)

// Rate-limit buckets are keyed by method plus canonicalized route: snowflake
// path parameters collapse to ":id" except the major ones (guild, channel,
// webhook), which identify distinct buckets on the platform side.
var (
	snowflakeRe = regexp.MustCompile(`\d{15,21}`)
	majorRe     = regexp.MustCompile(`^/(guilds|channels|webhooks)/(\d{15,21})`)
	reactionRe  = regexp.MustCompile(`/reactions/[^/]+`)
)

// BucketKey canonicalizes method+path into a rate-limit bucket key.
func BucketKey(method, path string) string {
	var major string
	if m := majorRe.FindStringSubmatch(path); m != nil {
		major = m[2]
	}

	route := reactionRe.ReplaceAllString(path, "/reactions/:emoji")
	route = snowflakeRe.ReplaceAllString(route, ":id")
	if major != "" {
		route = strings.Replace(route, ":id", major, 1)
	}

	// Message deletes age into a separate, stricter bucket on the platform;
	// keep them apart from other message operations.
	if method == "DELETE" && strings.HasSuffix(route, "/messages/:id") {
		return method + ";" + route + ";delete"
	}
	return method + ";" + route
}
