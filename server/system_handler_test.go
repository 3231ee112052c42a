package server

import (
	"evcs/internal"
	"evcs/models"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (l *testLogger) FeatureEvent(feature, id, text string) {}
func (l *testLogger) Debug(text string)                     {}
func (l *testLogger) Warn(text string)                      {}
func (l *testLogger) Error(text string, err error)          {}
func (l *testLogger) RawDataEvent(direction, data string)   {}

type fakeDatabase struct {
	mux          sync.Mutex
	stations     map[string]*models.Station
	sessions     []models.ChargingSession
	statusWrites int
}

func newFakeDatabase(stations ...*models.Station) *fakeDatabase {
	db := &fakeDatabase{stations: make(map[string]*models.Station)}
	for _, station := range stations {
		db.stations[station.Id] = station
	}
	return db
}

func (db *fakeDatabase) WriteLogMessage(data internal.Data) error { return nil }
func (db *fakeDatabase) ReadLog() (interface{}, error)            { return nil, nil }

func (db *fakeDatabase) GetStations() ([]models.Station, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	var stations []models.Station
	for _, station := range db.stations {
		stations = append(stations, *station)
	}
	return stations, nil
}

func (db *fakeDatabase) GetStation(id string) (*models.Station, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	station, ok := db.stations[id]
	if !ok {
		return nil, internal.ErrNotFound
	}
	copied := *station
	return &copied, nil
}

func (db *fakeDatabase) GetGun(stationId, gunId string) (*models.Gun, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	station, ok := db.stations[stationId]
	if !ok {
		return nil, internal.ErrNotFound
	}
	gun := station.Gun(gunId)
	if gun == nil {
		return nil, internal.ErrNotFound
	}
	copied := *gun
	return &copied, nil
}

func (db *fakeDatabase) AddStation(station *models.Station) error {
	db.mux.Lock()
	defer db.mux.Unlock()
	db.stations[station.Id] = station
	return nil
}

func (db *fakeDatabase) UpdateStationStatus(id, status string, now time.Time) (*models.Station, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	station, ok := db.stations[id]
	if !ok {
		return nil, internal.ErrNotFound
	}
	station.Status = status
	station.LastUpdated = now
	db.statusWrites++
	copied := *station
	return &copied, nil
}

func (db *fakeDatabase) UpdateGunStatus(stationId, gunId, status string, now time.Time) (*models.Gun, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	station, ok := db.stations[stationId]
	if !ok {
		return nil, internal.ErrNotFound
	}
	gun := station.Gun(gunId)
	if gun == nil {
		return nil, internal.ErrNotFound
	}
	gun.Status = status
	gun.LastUpdated = now
	db.statusWrites++
	copied := *gun
	return &copied, nil
}

func (db *fakeDatabase) AddSession(session *models.ChargingSession) error {
	db.mux.Lock()
	defer db.mux.Unlock()
	db.sessions = append(db.sessions, *session)
	return nil
}

func (db *fakeDatabase) GetSessions() ([]models.ChargingSession, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	return append([]models.ChargingSession(nil), db.sessions...), nil
}

func (db *fakeDatabase) GetSessionsByClient(clientId string) ([]models.ChargingSession, error) {
	db.mux.Lock()
	defer db.mux.Unlock()
	var sessions []models.ChargingSession
	for _, session := range db.sessions {
		if session.ClientId == clientId {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (db *fakeDatabase) GetSubscriptions() ([]models.UserSubscription, error) { return nil, nil }
func (db *fakeDatabase) AddSubscription(s *models.UserSubscription) error     { return nil }
func (db *fakeDatabase) DeleteSubscription(s *models.UserSubscription) error  { return nil }

type fakeBroadcaster struct {
	mux     sync.Mutex
	updates []StatusUpdate
	senders []string
}

func (b *fakeBroadcaster) Broadcast(senderHandle string, update *StatusUpdate) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.updates = append(b.updates, *update)
	b.senders = append(b.senders, senderHandle)
}

func (b *fakeBroadcaster) count() int {
	b.mux.Lock()
	defer b.mux.Unlock()
	return len(b.updates)
}

type fakeConn struct {
	handle string
	sent   []interface{}
}

func (c *fakeConn) Handle() string { return c.handle }
func (c *fakeConn) Send(payload interface{}) error {
	c.sent = append(c.sent, payload)
	return nil
}

func testStation() *models.Station {
	return &models.Station{
		Id:     "ST1",
		Status: string(models.StatusOutOfService),
		Power:  22.5,
		Guns: []models.Gun{
			{Id: "G1", Status: string(models.StatusOutOfService), Power: 11.25},
			{Id: "G2", Status: string(models.StatusAvailable), Power: 11.25},
		},
	}
}

func newTestHandler(db *fakeDatabase) (*SystemHandler, *fakeBroadcaster, *time.Time) {
	handler := NewSystemHandler()
	handler.SetLogger(&testLogger{})
	handler.SetDatabase(db)
	broadcaster := &fakeBroadcaster{}
	handler.SetBroadcaster(broadcaster)
	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &current
	handler.now = func() time.Time { return *clock }
	return handler, broadcaster, clock
}

func boot(t *testing.T, handler *SystemHandler, conn *fakeConn, stationId, gunId, clientId string) {
	t.Helper()
	err := handler.OnBootNotification(conn, &Message{
		MessageType:       BootNotificationFeatureName,
		ChargingStationId: stationId,
		GunId:             gunId,
		ClientDeviceId:    clientId,
	})
	require.NoError(t, err)
}

func TestBootNotificationRegistersAndReplies(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, broadcaster, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}

	boot(t, handler, conn, "ST1", "G1", "dev-A")

	record, ok := handler.Registry().Lookup("h1")
	require.True(t, ok)
	assert.Equal(t, "ST1", record.StationId)
	assert.Equal(t, "G1", record.GunId)
	assert.Equal(t, "dev-A", record.ClientDeviceId)

	gun, err := db.GetGun("ST1", "G1")
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusAvailable), gun.Status)

	require.Len(t, conn.sent, 1)
	response, ok := conn.sent[0].(*BootResponse)
	require.True(t, ok)
	assert.Equal(t, BootStatusAccepted, response.Status)

	assert.Equal(t, 1, broadcaster.count())
}

func TestBootNotificationWithoutStationIdIsDiscarded(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, _, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}

	err := handler.OnBootNotification(conn, &Message{MessageType: BootNotificationFeatureName, GunId: "G1"})
	require.NoError(t, err)

	_, ok := handler.Registry().Lookup("h1")
	assert.False(t, ok)
	assert.Empty(t, conn.sent)
}

func TestBootDefaultsClientDeviceId(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, _, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}

	boot(t, handler, conn, "ST1", "G1", "")

	record, ok := handler.Registry().Lookup("h1")
	require.True(t, ok)
	assert.Equal(t, "Unknown", record.ClientDeviceId)
}

func TestStatusSequenceBroadcastsOnlyChanges(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, broadcaster, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}
	boot(t, handler, conn, "ST1", "G1", "dev-A")
	writesAfterBoot := db.statusWrites

	sequence := []string{"Charging", "charging", "Available", "AVAILABLE", "Charging"}
	for _, status := range sequence {
		err := handler.OnStatusNotification("h1", &Message{MessageType: StatusNotificationFeatureName, Status: status})
		require.NoError(t, err)
	}

	gun, err := db.GetGun("ST1", "G1")
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusCharging), gun.Status)

	// every message touched the store, including the no-op repeats
	assert.Equal(t, writesAfterBoot+len(sequence), db.statusWrites)
	// boot plus three actual changes
	assert.Equal(t, 4, broadcaster.count())
}

func TestUnknownStatusValueIsRejected(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, broadcaster, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}
	boot(t, handler, conn, "ST1", "G1", "dev-A")
	countAfterBoot := broadcaster.count()

	err := handler.OnStatusNotification("h1", &Message{MessageType: StatusNotificationFeatureName, Status: "Exploded"})
	require.NoError(t, err)

	gun, err := db.GetGun("ST1", "G1")
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusAvailable), gun.Status)
	assert.Equal(t, countAfterBoot, broadcaster.count())
}

func TestStatusOnUnknownHandleIsIgnored(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, broadcaster, _ := newTestHandler(db)

	err := handler.OnStatusNotification("ghost", &Message{MessageType: StatusNotificationFeatureName, Status: "Charging"})
	require.NoError(t, err)

	err = handler.OnTransactionEvent("ghost", &Message{MessageType: TransactionEventFeatureName, EventType: TransactionEventStarted})
	require.NoError(t, err)

	assert.Zero(t, broadcaster.count())
	assert.Zero(t, db.statusWrites)
	assert.Empty(t, db.sessions)
}

func TestTransactionLifecycleCreatesOneSession(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, _, clock := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}
	boot(t, handler, conn, "ST1", "G1", "dev-A")
	start := *clock

	err := handler.OnTransactionEvent("h1", &Message{MessageType: TransactionEventFeatureName, EventType: TransactionEventStarted})
	require.NoError(t, err)
	gun, _ := db.GetGun("ST1", "G1")
	assert.Equal(t, string(models.StatusCharging), gun.Status)

	*clock = start.Add(120 * time.Second)
	err = handler.OnTransactionEvent("h1", &Message{MessageType: TransactionEventFeatureName, EventType: TransactionEventEnded})
	require.NoError(t, err)

	gun, _ = db.GetGun("ST1", "G1")
	assert.Equal(t, string(models.StatusAvailable), gun.Status)

	require.Len(t, db.sessions, 1)
	session := db.sessions[0]
	assert.Equal(t, "dev-A", session.ClientId)
	assert.Equal(t, "ST1", session.Csid)
	assert.Equal(t, "G1", session.GunId)
	assert.Equal(t, start, session.StartTime)
	assert.InDelta(t, 120, session.Duration, 0.001)

	// the close teardown must not log a second session
	handler.OnClose("h1")
	assert.Len(t, db.sessions, 1)
}

func TestCloseWithoutTransactionLogsSession(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, _, clock := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}
	boot(t, handler, conn, "ST1", "G1", "dev-A")
	start := *clock

	*clock = start.Add(45 * time.Second)
	handler.OnClose("h1")

	require.Len(t, db.sessions, 1)
	session := db.sessions[0]
	assert.Equal(t, start, session.StartTime)
	assert.Equal(t, start.Add(45*time.Second), session.EndTime)
	assert.InDelta(t, 45, session.Duration, 0.001)

	_, ok := handler.Registry().Lookup("h1")
	assert.False(t, ok)
}

func TestCloseWhileIdleGoesOutOfService(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, _, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}
	boot(t, handler, conn, "ST1", "G1", "dev-A")

	handler.OnClose("h1")

	gun, err := db.GetGun("ST1", "G1")
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusOutOfService), gun.Status)
}

func TestCloseWhileChargingGoesAvailable(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, _, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}
	boot(t, handler, conn, "ST1", "G1", "dev-A")

	err := handler.OnTransactionEvent("h1", &Message{MessageType: TransactionEventFeatureName, EventType: TransactionEventStarted})
	require.NoError(t, err)

	handler.OnClose("h1")

	gun, err := db.GetGun("ST1", "G1")
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusAvailable), gun.Status)
}

func TestSocketErrorMarksAvailableBeforeTeardown(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, _, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}
	boot(t, handler, conn, "ST1", "G1", "dev-A")

	err := handler.OnTransactionEvent("h1", &Message{MessageType: TransactionEventFeatureName, EventType: TransactionEventStarted})
	require.NoError(t, err)

	handler.OnSocketError("h1", assert.AnError)
	gun, _ := db.GetGun("ST1", "G1")
	assert.Equal(t, string(models.StatusAvailable), gun.Status)

	handler.OnClose("h1")
	require.Len(t, db.sessions, 1)
	gun, _ = db.GetGun("ST1", "G1")
	assert.Equal(t, string(models.StatusOutOfService), gun.Status)
}

func TestUpdateMissingGunLeavesEntitiesUnchanged(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, broadcaster, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}

	boot(t, handler, conn, "ST1", "G9", "dev-A")

	// the announcement registers but the status write is abandoned
	_, ok := handler.Registry().Lookup("h1")
	assert.True(t, ok)
	assert.Zero(t, db.statusWrites)
	assert.Zero(t, broadcaster.count())

	station, err := db.GetStation("ST1")
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusOutOfService), station.Status)
}

func TestStationLevelConnection(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, _, _ := newTestHandler(db)
	conn := &fakeConn{handle: "h1"}

	// no gun id, the connection represents the whole station
	boot(t, handler, conn, "ST1", "", "dev-A")

	station, err := db.GetStation("ST1")
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusAvailable), station.Status)

	require.Len(t, db.sessions, 0)
	handler.OnClose("h1")
	require.Len(t, db.sessions, 1)
	assert.Empty(t, db.sessions[0].GunId)
}

func TestApplyManualStatus(t *testing.T) {
	db := newFakeDatabase(testStation())
	handler, broadcaster, _ := newTestHandler(db)

	status, err := handler.ApplyManualStatus("ST1", "G1", "outofservice")
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusOutOfService), status)
	assert.Equal(t, 1, broadcaster.count())
	assert.Equal(t, "", broadcaster.senders[0])

	_, err = handler.ApplyManualStatus("ST1", "G9", "Available")
	assert.ErrorIs(t, err, internal.ErrNotFound)

	_, err = handler.ApplyManualStatus("ST1", "G1", "Broken")
	assert.ErrorIs(t, err, models.ErrUnknownStatus)
}
