package server

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"evcs/internal"
	"evcs/internal/config"
	"evcs/models"
	"fmt"
	"github.com/julienschmidt/httprouter"
	"net/http"
	"time"
)

// StatusHandler routes operator status changes through the same path as
// status changes reported by stations, so they are persisted and broadcast
// alike.
type StatusHandler interface {
	ApplyManualStatus(stationId, gunId, status string) (string, error)
}

type Api struct {
	conf          *config.Config
	httpServer    *http.Server
	database      internal.Database
	statusHandler StatusHandler
	logger        internal.LogHandler
}

type statusCommand struct {
	Status string `json:"status"`
}

func NewServerApi(conf *config.Config, logger internal.LogHandler) *Api {
	server := Api{
		conf:   conf,
		logger: logger,
	}
	router := httprouter.New()
	server.Register(router)
	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", conf.Api.BindIP, conf.Api.Port),
		Handler: router,
	}
	return &server
}

func (s *Api) SetDatabase(database internal.Database) {
	s.database = database
}

func (s *Api) SetStatusHandler(handler StatusHandler) {
	s.statusHandler = handler
}

func (s *Api) Register(router *httprouter.Router) {
	router.GET("/api/stations", s.handleGetStations)
	router.POST("/api/stations", s.handleAddStation)
	router.PATCH("/api/stations/:id", s.handleSetStationStatus)
	router.GET("/api/stations/:id/guns", s.handleGetGuns)
	router.PATCH("/api/stations/:id/guns/:gunId", s.handleSetGunStatus)
	router.GET("/api/charging-sessions", s.handleGetSessions)
	router.GET("/api/charging-sessions/client/:clientId", s.handleGetClientSessions)
}

func (s *Api) Start() error {
	var err error
	if s.conf.Api.TLS {
		cert, err := tls.LoadX509KeyPair(s.conf.Api.CertFile, s.conf.Api.KeyFile)
		if err != nil {
			return fmt.Errorf("api: failed to load certificate: %v", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		err = s.httpServer.ListenAndServe()
	}
	return err
}

func (s *Api) sendJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Add("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("api: encoding response", err)
	}
}

func (s *Api) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJson(w, status, map[string]string{"error": message})
}

func (s *Api) handleGetStations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.database == nil {
		s.sendError(w, http.StatusServiceUnavailable, "database is disabled")
		return
	}
	stations, err := s.database.GetStations()
	if err != nil {
		s.logger.Error("api: get stations", err)
		s.sendError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.sendJson(w, http.StatusOK, stations)
}

func (s *Api) handleAddStation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.database == nil {
		s.sendError(w, http.StatusServiceUnavailable, "database is disabled")
		return
	}
	var station models.Station
	if err := json.NewDecoder(r.Body).Decode(&station); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if station.Id == "" || station.Power <= 0 {
		s.sendError(w, http.StatusBadRequest, "station_id and positive power are required")
		return
	}
	now := time.Now()
	if station.Status == "" {
		station.Status = string(models.StatusAvailable)
	}
	station.LastUpdated = now
	for i := range station.Guns {
		if station.Guns[i].Status == "" {
			station.Guns[i].Status = string(models.StatusAvailable)
		}
		station.Guns[i].LastUpdated = now
	}
	if err := s.database.AddStation(&station); err != nil {
		s.logger.Error("api: add station", err)
		s.sendError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.logger.FeatureEvent("AddStation", station.Id, fmt.Sprintf("created with %d guns", len(station.Guns)))
	s.sendJson(w, http.StatusCreated, station)
}

func (s *Api) handleGetGuns(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.database == nil {
		s.sendError(w, http.StatusServiceUnavailable, "database is disabled")
		return
	}
	station, err := s.database.GetStation(params.ByName("id"))
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "station not found")
			return
		}
		s.logger.Error("api: get station", err)
		s.sendError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.sendJson(w, http.StatusOK, station.Guns)
}

func (s *Api) handleSetStationStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.setStatus(w, r, params.ByName("id"), "")
}

func (s *Api) handleSetGunStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.setStatus(w, r, params.ByName("id"), params.ByName("gunId"))
}

func (s *Api) setStatus(w http.ResponseWriter, r *http.Request, stationId, gunId string) {
	if s.statusHandler == nil {
		s.sendError(w, http.StatusServiceUnavailable, "status handler not attached")
		return
	}
	var cmd statusCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := s.statusHandler.ApplyManualStatus(stationId, gunId, cmd.Status)
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "station or gun not found")
			return
		}
		if errors.Is(err, models.ErrUnknownStatus) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("api: set status", err)
		s.sendError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.sendJson(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Api) handleGetSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.database == nil {
		s.sendError(w, http.StatusServiceUnavailable, "database is disabled")
		return
	}
	sessions, err := s.database.GetSessions()
	if err != nil {
		s.logger.Error("api: get sessions", err)
		s.sendError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.sendJson(w, http.StatusOK, sessions)
}

func (s *Api) handleGetClientSessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.database == nil {
		s.sendError(w, http.StatusServiceUnavailable, "database is disabled")
		return
	}
	sessions, err := s.database.GetSessionsByClient(params.ByName("clientId"))
	if err != nil {
		s.logger.Error("api: get client sessions", err)
		s.sendError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.sendJson(w, http.StatusOK, sessions)
}
