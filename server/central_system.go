package server

import (
	"evcs/internal"
	"evcs/internal/config"
	"evcs/metrics"
	"evcs/telegram"
	"fmt"
	"log"
	"time"
)

type CentralSystem struct {
	server  *Server
	api     *Api
	conf    *config.Config
	logger  internal.LogHandler
	handler *SystemHandler
}

func (cs *CentralSystem) handleIncomingMessage(ws *WebSocket, data []byte) error {
	message, err := ParseMessage(data)
	if err != nil {
		// malformed messages are discarded, the connection stays open
		cs.logger.Warn(fmt.Sprintf("discarding message from %s: %s", ws.Handle(), err))
		return nil
	}
	switch message.MessageType {
	case BootNotificationFeatureName:
		return cs.handler.OnBootNotification(ws, message)
	case StatusNotificationFeatureName:
		return cs.handler.OnStatusNotification(ws.Handle(), message)
	case TransactionEventFeatureName:
		return cs.handler.OnTransactionEvent(ws.Handle(), message)
	default:
		cs.logger.Warn(fmt.Sprintf("unsupported message type: %s", message.MessageType))
		return nil
	}
}

func (cs *CentralSystem) Start() {

	go func() {
		if err := cs.server.Start(); err != nil {
			cs.logger.Error("websocket server failed", err)
		}
	}()

	go func() {
		if err := cs.api.Start(); err != nil {
			cs.logger.Error("api server failed", err)
		}
	}()

	go func() {
		if err := metrics.Listen(cs.conf); err != nil {
			cs.logger.Error("metrics server failed", err)
		}
	}()

	select {}
}

func NewCentralSystem() (CentralSystem, error) {
	cs := CentralSystem{}

	conf, err := config.GetConfig()
	if err != nil {
		return cs, fmt.Errorf("loading configuration failed: %s", err)
	}
	cs.conf = conf

	log.Println("set time zone to " + conf.TimeZone)
	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return cs, fmt.Errorf("time zone initialization failed: %s", err)
	}

	var database internal.Database
	if conf.Mongo.Enabled {
		mongo, err := internal.NewMongoClient(conf)
		if err != nil {
			return cs, fmt.Errorf("mongodb setup failed: %s", err)
		}
		if mongo != nil {
			database = mongo
			log.Println("mongodb is configured and enabled")
		}
	} else {
		log.Println("database is disabled")
	}

	logService := internal.NewLogger(location)
	logService.SetDebugMode(conf.IsDebug)
	logService.SetDatabase(database)
	cs.logger = logService

	systemHandler := NewSystemHandler()
	systemHandler.SetDatabase(database)
	systemHandler.SetLogger(logService)

	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey)
		if err != nil {
			return cs, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		telegramBot.SetDatabase(database)
		telegramBot.Start()
		systemHandler.SetEventHandler(telegramBot)
		log.Println("telegram bot is configured and enabled")
	}

	wsServer := NewServer(conf, logService)
	wsServer.SetMessageHandler(cs.handleIncomingMessage)
	wsServer.SetCloseHandler(func(ws *WebSocket) {
		systemHandler.OnClose(ws.Handle())
	})
	wsServer.SetErrorHandler(func(ws *WebSocket, err error) {
		systemHandler.OnSocketError(ws.Handle(), err)
	})
	systemHandler.SetBroadcaster(wsServer)

	cs.server = wsServer
	cs.handler = systemHandler

	apiServer := NewServerApi(conf, logService)
	apiServer.SetDatabase(database)
	apiServer.SetStatusHandler(systemHandler)
	cs.api = apiServer

	return cs, nil
}
