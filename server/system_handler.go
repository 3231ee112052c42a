package server

import (
	"errors"
	"evcs/internal"
	"evcs/models"
	"fmt"
	"time"
)

// Connection is the slice of the websocket surface the handler needs; the
// tests substitute their own implementation.
type Connection interface {
	Handle() string
	Send(payload interface{}) error
}

// Broadcaster fans a status update out to every live connection except the
// sender. An empty sender handle reaches all connections.
type Broadcaster interface {
	Broadcast(senderHandle string, update *StatusUpdate)
}

// SystemHandler reacts to per-connection events: it owns the registry, applies
// validated status transitions to the store and derives session boundaries
// from the connection lifecycle.
type SystemHandler struct {
	registry     *Registry
	database     internal.Database
	logger       internal.LogHandler
	eventHandler internal.EventHandler
	broadcaster  Broadcaster
	now          func() time.Time
}

func NewSystemHandler() *SystemHandler {
	return &SystemHandler{
		registry: NewRegistry(),
		now:      time.Now,
	}
}

func (h *SystemHandler) SetDatabase(database internal.Database) {
	h.database = database
}

func (h *SystemHandler) SetLogger(logger internal.LogHandler) {
	h.logger = logger
}

func (h *SystemHandler) SetEventHandler(eventHandler internal.EventHandler) {
	h.eventHandler = eventHandler
}

func (h *SystemHandler) SetBroadcaster(broadcaster Broadcaster) {
	h.broadcaster = broadcaster
}

func (h *SystemHandler) Registry() *Registry {
	return h.registry
}

// OnBootNotification handles the first message on a connection, identifying
// which station or gun it represents. A message without the station identity
// is discarded without a reply; the protocol has no rejection response.
func (h *SystemHandler) OnBootNotification(ws Connection, message *Message) error {
	if message.ChargingStationId == "" {
		h.logger.Warn(fmt.Sprintf("boot from %s is missing chargingStationId, discarded", ws.Handle()))
		return nil
	}
	clientDeviceId := message.ClientDeviceId
	if clientDeviceId == "" {
		clientDeviceId = defaultClientDeviceId
	}

	if h.registry.Claimed(message.ChargingStationId, message.GunId, ws.Handle()) {
		h.logger.Warn(fmt.Sprintf("station %s gun %s is already claimed by another live connection", message.ChargingStationId, message.GunId))
	}
	record := h.registry.Register(ws.Handle(), message.ChargingStationId, message.GunId, clientDeviceId, h.now())

	h.applyStatus(record, models.StatusAvailable)

	if h.eventHandler != nil {
		h.eventHandler.OnConnect(&internal.EventMessage{
			StationId:      record.StationId,
			GunId:          record.GunId,
			ClientDeviceId: record.ClientDeviceId,
			Time:           record.ConnectedAt,
			Status:         string(models.StatusAvailable),
		})
	}

	h.logger.FeatureEvent(BootNotificationFeatureName, record.StationId, fmt.Sprintf("announced gun %s, client %s", record.GunId, record.ClientDeviceId))
	return ws.Send(NewBootResponse())
}

// OnStatusNotification applies the reported status when it differs from the
// previously recorded one. Unrecognized status values are rejected.
func (h *SystemHandler) OnStatusNotification(handle string, message *Message) error {
	record, ok := h.registry.Lookup(handle)
	if !ok {
		return nil
	}
	status, err := models.NormalizeStatus(message.Status)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("status from %s rejected: %s", record.StationId, err))
		return nil
	}
	if string(status) == record.lastStatus {
		// same status twice still touches last_updated, without a broadcast
		h.persistStatus(record, status)
		return nil
	}
	h.applyStatus(record, status)
	h.logger.FeatureEvent(StatusNotificationFeatureName, record.StationId, fmt.Sprintf("gun %s status %s", record.GunId, status))
	return nil
}

// OnTransactionEvent handles explicit start and end of charging activity. The
// target entity comes from the registry record, never from the message.
func (h *SystemHandler) OnTransactionEvent(handle string, message *Message) error {
	record, ok := h.registry.Lookup(handle)
	if !ok {
		return nil
	}
	switch message.EventType {
	case TransactionEventStarted:
		h.applyStatus(record, models.StatusCharging)
		h.logger.FeatureEvent(TransactionEventFeatureName, record.StationId, fmt.Sprintf("charging started on gun %s", record.GunId))
	case TransactionEventEnded:
		h.applyStatus(record, models.StatusAvailable)
		h.endSession(record, h.now())
		h.logger.FeatureEvent(TransactionEventFeatureName, record.StationId, fmt.Sprintf("charging ended on gun %s", record.GunId))
	default:
		h.logger.Warn(fmt.Sprintf("unknown transaction event type: %s", message.EventType))
	}
	return nil
}

// OnClose runs the teardown for a closing connection: the session record (if
// not yet logged), the final entity status and the registry removal.
func (h *SystemHandler) OnClose(handle string) {
	record, ok := h.registry.Lookup(handle)
	if !ok {
		h.logger.Debug(fmt.Sprintf("closed connection %s had no announcement", handle))
		return
	}

	h.endSession(record, h.now())

	// a drop while charging means the car is gone, a drop while idle means
	// the station went offline
	finalStatus := models.StatusOutOfService
	current, err := h.readStatus(record)
	if err != nil {
		h.logger.Error("reading status on close", err)
	}
	if current == string(models.StatusCharging) {
		finalStatus = models.StatusAvailable
	}
	h.applyStatus(record, finalStatus)

	h.registry.Unregister(handle)

	if h.eventHandler != nil {
		h.eventHandler.OnDisconnect(&internal.EventMessage{
			StationId:      record.StationId,
			GunId:          record.GunId,
			ClientDeviceId: record.ClientDeviceId,
			Time:           h.now(),
			Status:         string(finalStatus),
		})
	}
	h.logger.FeatureEvent("Disconnect", record.StationId, fmt.Sprintf("gun %s final status %s", record.GunId, finalStatus))
}

// OnSocketError makes one best-effort attempt to mark the entity Available
// after an abrupt reset. The close teardown still follows.
func (h *SystemHandler) OnSocketError(handle string, err error) {
	record, ok := h.registry.Lookup(handle)
	if !ok {
		return
	}
	h.logger.Warn(fmt.Sprintf("socket error on %s/%s: %s", record.StationId, record.GunId, err))
	h.persistStatus(record, models.StatusAvailable)
}

// ApplyManualStatus lets the operator set a station or gun status through the
// api. The resulting change is broadcast to all live connections.
func (h *SystemHandler) ApplyManualStatus(stationId, gunId, status string) (string, error) {
	normalized, err := models.NormalizeStatus(status)
	if err != nil {
		return "", err
	}
	persisted, err := h.writeStatus(stationId, gunId, normalized)
	if err != nil {
		return "", err
	}
	if h.broadcaster != nil {
		h.broadcaster.Broadcast("", &StatusUpdate{
			StationId: stationId,
			GunId:     gunId,
			Status:    persisted,
		})
	}
	h.logger.FeatureEvent("ManualStatus", stationId, fmt.Sprintf("gun %s set to %s", gunId, persisted))
	return persisted, nil
}

// applyStatus persists the status for the record's entity and, when the value
// differs from the previously recorded one, fans the change out to all other
// live connections. Store failures are logged and treated as if the update
// did not happen.
func (h *SystemHandler) applyStatus(record *ConnectionRecord, status models.Status) {
	changed := record.lastStatus != string(status)
	if !h.persistStatus(record, status) {
		return
	}
	if changed && h.broadcaster != nil {
		h.broadcaster.Broadcast(record.Handle, &StatusUpdate{
			StationId:      record.StationId,
			GunId:          record.GunId,
			Status:         string(status),
			ClientDeviceId: record.ClientDeviceId,
		})
	}
	if changed && h.eventHandler != nil {
		h.eventHandler.OnStatusChange(&internal.EventMessage{
			StationId:      record.StationId,
			GunId:          record.GunId,
			ClientDeviceId: record.ClientDeviceId,
			Time:           h.now(),
			Status:         string(status),
		})
	}
}

func (h *SystemHandler) persistStatus(record *ConnectionRecord, status models.Status) bool {
	persisted, err := h.writeStatus(record.StationId, record.GunId, status)
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			h.logger.Warn(fmt.Sprintf("status update abandoned, no such entity: %s/%s", record.StationId, record.GunId))
		} else {
			h.logger.Error(fmt.Sprintf("status update for %s/%s", record.StationId, record.GunId), err)
			observeStoreError("update_status")
		}
		return false
	}
	record.lastStatus = persisted
	return true
}

func (h *SystemHandler) writeStatus(stationId, gunId string, status models.Status) (string, error) {
	if h.database == nil {
		return string(status), nil
	}
	now := h.now()
	if gunId != "" {
		gun, err := h.database.UpdateGunStatus(stationId, gunId, string(status), now)
		if err != nil {
			return "", err
		}
		return gun.Status, nil
	}
	station, err := h.database.UpdateStationStatus(stationId, string(status), now)
	if err != nil {
		return "", err
	}
	return station.Status, nil
}

func (h *SystemHandler) readStatus(record *ConnectionRecord) (string, error) {
	if h.database == nil {
		return record.lastStatus, nil
	}
	if record.GunId != "" {
		gun, err := h.database.GetGun(record.StationId, record.GunId)
		if err != nil {
			return "", err
		}
		return gun.Status, nil
	}
	station, err := h.database.GetStation(record.StationId)
	if err != nil {
		return "", err
	}
	return station.Status, nil
}

// endSession logs the charging session for the connection lifecycle. The
// record's flag guards the exactly-once contract: an explicit Ended event
// followed by the connection closing must not log a second session.
func (h *SystemHandler) endSession(record *ConnectionRecord, end time.Time) {
	if record.sessionLogged {
		return
	}
	record.sessionLogged = true

	session := &models.ChargingSession{
		ClientId:  record.ClientDeviceId,
		Csid:      record.StationId,
		GunId:     record.GunId,
		StartTime: record.ConnectedAt,
		EndTime:   end,
		Duration:  end.Sub(record.ConnectedAt).Seconds(),
		CreatedAt: h.now(),
	}
	if h.database != nil {
		if err := h.database.AddSession(session); err != nil {
			h.logger.Error("logging charging session", err)
			observeStoreError("add_session")
			return
		}
	}
	observeSession()

	if h.eventHandler != nil {
		h.eventHandler.OnSessionEnd(&internal.EventMessage{
			StationId:      record.StationId,
			GunId:          record.GunId,
			ClientDeviceId: record.ClientDeviceId,
			Time:           end,
			Info:           fmt.Sprintf("duration %.0f seconds", session.Duration),
		})
	}
	h.logger.FeatureEvent("ChargingSession", record.StationId, fmt.Sprintf("client %s, gun %s, duration %.0f seconds", record.ClientDeviceId, record.GunId, session.Duration))
}
