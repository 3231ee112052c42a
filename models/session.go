package models

import "time"

// ChargingSession is one logged record of a charging connection's active
// lifetime. Immutable once created.
type ChargingSession struct {
	ClientId  string    `json:"client_id" bson:"client_id"`
	Csid      string    `json:"csid" bson:"csid"`
	GunId     string    `json:"gun_id,omitempty" bson:"gun_id,omitempty"`
	StartTime time.Time `json:"start_time" bson:"start_time"`
	EndTime   time.Time `json:"end_time" bson:"end_time"`
	Duration  float64   `json:"duration" bson:"duration"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}
