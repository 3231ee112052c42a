package server

import (
	"sync"
	"time"
)

// ConnectionRecord ties one live connection handle to the station or gun it
// announced. lastStatus and sessionLogged are mutated only from the owning
// connection's event stream.
type ConnectionRecord struct {
	Handle         string
	StationId      string
	GunId          string
	ClientDeviceId string
	ConnectedAt    time.Time
	lastStatus     string
	sessionLogged  bool
}

// Registry is the single source of truth for which station or gun a live
// connection represents. At most one record exists per handle.
type Registry struct {
	mux     sync.Mutex
	records map[string]*ConnectionRecord
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*ConnectionRecord),
	}
}

// Register creates a record for the handle, replacing any previous record for
// the same handle. A repeated announcement on one connection keeps the
// original connect timestamp.
func (r *Registry) Register(handle, stationId, gunId, clientDeviceId string, now time.Time) *ConnectionRecord {
	r.mux.Lock()
	defer r.mux.Unlock()
	if existing, ok := r.records[handle]; ok {
		now = existing.ConnectedAt
	}
	record := &ConnectionRecord{
		Handle:         handle,
		StationId:      stationId,
		GunId:          gunId,
		ClientDeviceId: clientDeviceId,
		ConnectedAt:    now,
	}
	r.records[handle] = record
	return record
}

// Lookup returns the record for the handle. A missing record is not an error;
// callers treat it as "ignore the message".
func (r *Registry) Lookup(handle string) (*ConnectionRecord, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	record, ok := r.records[handle]
	return record, ok
}

func (r *Registry) Unregister(handle string) (*ConnectionRecord, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	record, ok := r.records[handle]
	if ok {
		delete(r.records, handle)
	}
	return record, ok
}

// Claimed reports whether another live connection already announced the same
// station/gun pair.
func (r *Registry) Claimed(stationId, gunId, exceptHandle string) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	for handle, record := range r.records {
		if handle == exceptHandle {
			continue
		}
		if record.StationId == stationId && record.GunId == gunId {
			return true
		}
	}
	return false
}

func (r *Registry) Count() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.records)
}
