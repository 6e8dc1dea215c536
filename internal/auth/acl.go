package auth

import "strings"

const (
	identityLen = 36
	topicRoot   = "stations/"
)

// Authorize reports whether stationID may use topic. The topic must be
// stations/<stationID>/<subtopic> with a non-empty subtopic and a 36-byte
// identity.
func Authorize(stationID, topic string) bool {
	if len(stationID) != identityLen {
		return false
	}
	rest, ok := strings.CutPrefix(topic, topicRoot)
	if !ok || len(rest) <= identityLen+1 {
		return false
	}
	return rest[:identityLen] == stationID && rest[identityLen] == '/'
}
