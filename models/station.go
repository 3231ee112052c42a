package models

import "time"

type Gun struct {
	Id          string    `json:"gun_id" bson:"gun_id"`
	Status      string    `json:"status" bson:"status"`
	Power       float64   `json:"power" bson:"power"`
	LastUpdated time.Time `json:"last_updated" bson:"last_updated"`
}

type Station struct {
	Id          string    `json:"station_id" bson:"station_id"`
	Status      string    `json:"status" bson:"status"`
	Power       float64   `json:"power" bson:"power"`
	LastUpdated time.Time `json:"last_updated" bson:"last_updated"`
	Guns        []Gun     `json:"guns" bson:"guns"`
}

// Gun returns the gun with the given id, or nil if the station has no such gun.
func (s *Station) Gun(id string) *Gun {
	for i := range s.Guns {
		if s.Guns[i].Id == id {
			return &s.Guns[i]
		}
	}
	return nil
}
