package internal

import (
	"errors"
	"evcs/models"
	"time"
)

// ErrNotFound is returned by store lookups and updates when the requested
// station or gun does not exist.
var ErrNotFound = errors.New("entity not found")

type Database interface {
	WriteLogMessage(data Data) error
	ReadLog() (interface{}, error)

	GetStations() ([]models.Station, error)
	GetStation(id string) (*models.Station, error)
	GetGun(stationId, gunId string) (*models.Gun, error)
	AddStation(station *models.Station) error
	UpdateStationStatus(id, status string, now time.Time) (*models.Station, error)
	UpdateGunStatus(stationId, gunId, status string, now time.Time) (*models.Gun, error)

	AddSession(session *models.ChargingSession) error
	GetSessions() ([]models.ChargingSession, error)
	GetSessionsByClient(clientId string) ([]models.ChargingSession, error)

	GetSubscriptions() ([]models.UserSubscription, error)
	AddSubscription(subscription *models.UserSubscription) error
	DeleteSubscription(subscription *models.UserSubscription) error
}

type Data interface {
	DataType() string
}
