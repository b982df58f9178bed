package topics

import (
	"strings"
)

// ControlTopic carries dynamic-security command envelopes to the broker
const ControlTopic = "$CONTROL/dynamic-security/v1"

// ControlResponseTopic carries the broker's replies to command envelopes
const ControlResponseTopic = ControlTopic + "/response"

// Shape identifies the kind of inbound message by the layout of its topic
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeControlResponse
	ShapeGatewayAdd
	ShapeGatewayQuery
	ShapeEvent
)

func (s Shape) String() string {
	switch s {
	case ShapeControlResponse:
		return "controlResponse"
	case ShapeGatewayAdd:
		return "gatewayAdd"
	case ShapeGatewayQuery:
		return "gatewayQuery"
	case ShapeEvent:
		return "event"
	}
	return "unknown"
}

// Inbound is a decoded inbound topic
type Inbound struct {
	Shape Shape
	// DeviceID is the device or gateway segment of the topic
	DeviceID string
	// Event is the event name of an event topic, eg 'status' in {ns}/dev1/evt/status/fmt/json
	Event string
}

// Parse decodes an inbound topic in namespace ns
//  {ns}/{gw}/gateway/add   -> ShapeGatewayAdd
//  {ns}/{gw}/gateway/query -> ShapeGatewayQuery
//  {ns}/{id}/evt/{event}/.. -> ShapeEvent
func Parse(ns string, topic string) Inbound {
	if topic == ControlResponseTopic {
		return Inbound{Shape: ShapeControlResponse}
	}
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != ns || parts[1] == "" {
		return Inbound{Shape: ShapeUnknown}
	}
	inbound := Inbound{DeviceID: parts[1]}
	switch {
	case parts[2] == "gateway" && parts[3] == "add" && len(parts) == 4:
		inbound.Shape = ShapeGatewayAdd
	case parts[2] == "gateway" && parts[3] == "query" && len(parts) == 4:
		inbound.Shape = ShapeGatewayQuery
	case parts[2] == "evt":
		inbound.Shape = ShapeEvent
		inbound.Event = parts[3]
	default:
		inbound.Shape = ShapeUnknown
	}
	return inbound
}
