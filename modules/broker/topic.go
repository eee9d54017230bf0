package broker

import "strings"

// topicMatches implements MQTT 3.1.1 topic filter matching: "+" matches
// exactly one level, "#" matches zero or more levels and is only valid as the
// final segment.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, fp := range fparts {
		if fp == "#" {
			return i == len(fparts)-1
		}
		if i >= len(tparts) {
			return false
		}
		if fp != "+" && fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}
