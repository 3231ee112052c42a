package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStatus rejects wire and api status values outside the known set.
var ErrUnknownStatus = errors.New("unknown status value")

type Status string

const (
	StatusAvailable    Status = "Available"
	StatusCharging     Status = "Charging"
	StatusOutOfService Status = "OutOfService"
)

// NormalizeStatus matches a wire status value against the known set,
// ignoring case. Values outside the set are rejected.
func NormalizeStatus(value string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "available":
		return StatusAvailable, nil
	case "charging":
		return StatusCharging, nil
	case "outofservice", "out of service":
		return StatusOutOfService, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownStatus, value)
}
