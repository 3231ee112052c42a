package internal

import "time"

type EventHandler interface {
	OnStatusChange(event *EventMessage)
	OnSessionEnd(event *EventMessage)
	OnConnect(event *EventMessage)
	OnDisconnect(event *EventMessage)
}

type EventMessage struct {
	StationId      string    `json:"station_id" bson:"station_id"`
	GunId          string    `json:"gun_id" bson:"gun_id"`
	ClientDeviceId string    `json:"client_device_id" bson:"client_device_id"`
	Time           time.Time `json:"time" bson:"time"`
	Status         string    `json:"status" bson:"status"`
	Info           string    `json:"info" bson:"info"`
}
