package ingest

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxPayloadSize is the largest payload accepted, in bytes.
	MaxPayloadSize = 4096
	// IdentityLen is the length of a textual station UUID.
	IdentityLen = 36

	TopicRoot    = "stations"
	DataSubtopic = "data"
)

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrTopic           = errors.New("topic not ingested")
)

// DataTopic returns the topic a station publishes measurements on.
func DataTopic(stationID string) string {
	return TopicRoot + "/" + stationID + "/" + DataSubtopic
}

// Classify decides on the broker goroutine whether a message is ingested.
// Only payloads up to MaxPayloadSize on stations/<identity>/data, where
// identity is the publisher, are accepted.
func Classify(identity, topic string, payloadLen int) (MessageKind, error) {
	if payloadLen > MaxPayloadSize {
		return MessageUnknown, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, payloadLen, MaxPayloadSize)
	}
	if len(identity) != IdentityLen {
		return MessageUnknown, fmt.Errorf("%w: identity length %d", ErrTopic, len(identity))
	}
	if topic != DataTopic(identity) {
		return MessageUnknown, fmt.Errorf("%w: %q", ErrTopic, topic)
	}
	return MessageData, nil
}

// IdentityFromTopic extracts the identity segment of stations/<id>/<sub>.
func IdentityFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicRoot+"/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
