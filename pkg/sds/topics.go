package sds

import "strings"

// Topic layout:
//
//	sds/<table-type>/config            retained, owner -> devices
//	sds/<table-type>/state             device -> owner
//	sds/<table-type>/status/<node-id>  device -> owner, per node
//	sds/lwt/<node-id>                  retained, broker or graceful shutdown
const (
	topicPrefix = "sds"
	lwtSegment  = "lwt"
	lwtWildcard = "sds/lwt/+"
)

func configTopic(tableType string) string {
	return topicPrefix + "/" + tableType + "/config"
}

func stateTopic(tableType string) string {
	return topicPrefix + "/" + tableType + "/state"
}

func statusTopic(tableType, nodeID string) string {
	return topicPrefix + "/" + tableType + "/status/" + nodeID
}

func statusWildcard(tableType string) string {
	return topicPrefix + "/" + tableType + "/status/+"
}

func lwtTopic(nodeID string) string {
	return topicPrefix + "/" + lwtSegment + "/" + nodeID
}

// inboundKind classifies a parsed topic.
type inboundKind int

const (
	inboundInvalid inboundKind = iota
	inboundConfig
	inboundState
	inboundStatus
	inboundLWT
)

// parseTopic splits an inbound topic into its kind, table type and origin
// node. The type segment must be non-empty and at most MaxTypeLen bytes.
func parseTopic(topic string) (kind inboundKind, tableType, nodeID string) {
	rest, ok := strings.CutPrefix(topic, topicPrefix+"/")
	if !ok {
		return inboundInvalid, "", ""
	}

	seg, rest, _ := strings.Cut(rest, "/")
	if seg == lwtSegment {
		if rest == "" || strings.Contains(rest, "/") {
			return inboundInvalid, "", ""
		}
		return inboundLWT, "", rest
	}

	if seg == "" || len(seg) > MaxTypeLen {
		return inboundInvalid, "", ""
	}
	tableType = seg

	section, rest, _ := strings.Cut(rest, "/")
	switch section {
	case "config":
		if rest != "" {
			return inboundInvalid, "", ""
		}
		return inboundConfig, tableType, ""
	case "state":
		if rest != "" {
			return inboundInvalid, "", ""
		}
		return inboundState, tableType, ""
	case "status":
		if rest == "" || strings.Contains(rest, "/") {
			return inboundInvalid, "", ""
		}
		return inboundStatus, tableType, rest
	}
	return inboundInvalid, "", ""
}
