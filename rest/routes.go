package rest

import (
	"strings"
)

// Route is a request resolved to the identity used for rate limiting.
type Route struct {
	Method string
	Path   string

	// Key identifies the route template with every id replaced, e.g.
	// "POST /channels/:major/messages/:id". It is shared by all majors and
	// safe to use as a metric label.
	Key string

	// Major is the top-level resource the route acts on. Discord shares
	// bucket quotas per major parameter.
	Major string
}

// Segments whose following id is a major parameter.
var majorParameters = map[string]bool{
	"channels":     true,
	"guilds":       true,
	"webhooks":     true,
	"interactions": true,
}

// Segments whose following id is followed by a token that is part of the major parameter.
var tokenParameters = map[string]bool{
	"webhooks":     true,
	"interactions": true,
}

// ParseRoute resolves a method and endpoint path to a Route.
func ParseRoute(method, path string) Route {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	keySegments := make([]string, 0, len(segments))

	var major string

	for i := 0; i < len(segments); i++ {
		segment := segments[i]

		if i > 0 {
			previous := segments[i-1]

			if major == "" && majorParameters[previous] && isSnowflake(segment) {
				major = previous + "/" + segment
				keySegments = append(keySegments, ":major")

				if tokenParameters[previous] && i+1 < len(segments) && !isSnowflake(segments[i+1]) && segments[i+1] != "messages" {
					i++
					major += "/" + segments[i]
					keySegments = append(keySegments, ":token")
				}

				continue
			}

			if previous == "reactions" {
				keySegments = append(keySegments, ":reaction")

				break
			}
		}

		if isSnowflake(segment) {
			keySegments = append(keySegments, ":id")
		} else {
			keySegments = append(keySegments, segment)
		}
	}

	return Route{
		Method: method,
		Path:   path,
		Key:    method + " /" + strings.Join(keySegments, "/"),
		Major:  major,
	}
}

func isSnowflake(segment string) bool {
	if len(segment) == 0 {
		return false
	}

	for _, c := range segment {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}
