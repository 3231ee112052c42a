package server

import (
	"encoding/json"
	"evcs/utility"
)

const (
	BootNotificationFeatureName   = "BootNotification"
	StatusNotificationFeatureName = "StatusNotification"
	TransactionEventFeatureName   = "TransactionEvent"
)

const (
	TransactionEventStarted = "Started"
	TransactionEventEnded   = "Ended"
)

const defaultClientDeviceId = "Unknown"

// Message is the envelope of every inbound wire message. All three message
// shapes share it; fields that a shape does not carry stay empty.
type Message struct {
	MessageType       string `json:"messageType"`
	ChargingStationId string `json:"chargingStationId,omitempty"`
	GunId             string `json:"gunId,omitempty"`
	Status            string `json:"status,omitempty"`
	ClientDeviceId    string `json:"clientDeviceId,omitempty"`
	EventType         string `json:"eventType,omitempty"`
}

func ParseMessage(data []byte) (*Message, error) {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, err
	}
	if message.MessageType == "" {
		return nil, utility.Err("missing messageType field")
	}
	return &message, nil
}

// BootResponse is the acknowledgment sent on an accepted announcement.
type BootResponse struct {
	Status string `json:"status"`
}

const BootStatusAccepted = "Accepted"

func NewBootResponse() *BootResponse {
	return &BootResponse{Status: BootStatusAccepted}
}

// StatusUpdate is fanned out to all other live connections on every applied
// status change.
type StatusUpdate struct {
	StationId      string `json:"stationId"`
	GunId          string `json:"gunId,omitempty"`
	Status         string `json:"status"`
	ClientDeviceId string `json:"clientDeviceId"`
}
