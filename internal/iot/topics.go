package iot

import (
	"errors"
	"fmt"
	"strings"
)

// Topics follow {prefix}/{deviceId}/{client|server}/{feature}/{action}.
// Commands go out on client topics; replies and unsolicited events arrive on
// server topics with a wildcard device segment.

var ErrMalformedTopic = errors.New("malformed topic")

// deviceIDExtractors maps a topic feature to its device-id extraction rule.
// Most features carry the id as the segment right after the prefix; fiscal
// terminal topics prefix it with the register number, which is stripped.
var deviceIDExtractors = map[string]func(segments []string) (string, error){
	"rro": func(segments []string) (string, error) {
		// {prefix}/{registerNo}-{deviceId}/server/rro/...
		raw := segments[1]
		_, id, found := strings.Cut(raw, "-")
		if !found || id == "" {
			return "", fmt.Errorf("%w: fiscal device segment %q", ErrMalformedTopic, raw)
		}
		return id, nil
	},
}

func defaultExtractor(segments []string) (string, error) {
	if segments[1] == "" || segments[1] == "+" {
		return "", fmt.Errorf("%w: empty device segment", ErrMalformedTopic)
	}
	return segments[1], nil
}

// CommandTopic builds the outbound topic for a command addressed to a device
func CommandTopic(prefix, deviceID, feature string) string {
	return fmt.Sprintf("%s/%s/client/%s", prefix, deviceID, feature)
}

// ReplyFilter is the wildcard subscription covering every inbound server topic
func ReplyFilter(prefix string) string {
	return fmt.Sprintf("%s/+/server/#", prefix)
}

// ParseInbound extracts the device id and the route (feature/action path
// after "server/") from an inbound topic
func ParseInbound(prefix, topic string) (deviceID, route string, err error) {
	segments := strings.Split(topic, "/")
	if len(segments) < 4 || segments[0] != prefix || segments[2] != "server" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}

	route = strings.Join(segments[3:], "/")
	feature := segments[3]

	extract := deviceIDExtractors[feature]
	if extract == nil {
		extract = defaultExtractor
	}
	deviceID, err = extract(segments)
	if err != nil {
		return "", "", err
	}

	return deviceID, route, nil
}
