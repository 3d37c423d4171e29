package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/mqtt"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/postgresql"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/shared"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/state"
	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const listDevicesLimit = 200
const historyLimit = 100
const recentReadingsLimit = 10

type Handler struct {
	bus      mqtt.IConnection
	state    *state.Store
	postgres *postgresql.Connection
}

func NewHandler(bus mqtt.IConnection, stateStore *state.Store, postgres *postgresql.Connection) *Handler {
	return &Handler{
		bus:      bus,
		state:    stateStore,
		postgres: postgres,
	}
}

// SetupRestAPI initializes the REST API and starts listening
func SetupRestAPI(handler *Handler, port string) {
	router := NewRouter(handler)
	err := router.Run(":" + port)
	zap.S().Fatalf("REST API stopped: %s", err)
}

func NewRouter(handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Combined access and error log via zap, panics recovered into the
	// error log instead of killing the request worker.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	api := router.Group("/api")
	{
		api.POST("/devices/register", handler.registerDeviceHandler)
		api.GET("/devices", handler.listDevicesHandler)
		api.POST("/devices/:id/command", handler.sendCommandHandler)
		api.POST("/telemetry/:id", handler.ingestTelemetryHandler)
		api.GET("/telemetry/latest", handler.getLatestTelemetryHandler)
		api.GET("/current", handler.getCurrentHandler)
		api.GET("/history", handler.getHistoryHandler)
		api.GET("/stats", handler.getStatsHandler)
	}

	return router
}

type registerDeviceRequest struct {
	Id   string `json:"id" binding:"required"`
	Name string `json:"name" binding:"required"`
}

func (h *Handler) registerDeviceHandler(c *gin.Context) {
	var request registerDeviceRequest
	err := c.ShouldBindJSON(&request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !shared.DeviceIdRegex.MatchString(request.Id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("device id %q must match %s", request.Id, shared.DeviceIdRegex.String())})
		return
	}

	err = h.postgres.InsertDevice(request.Id, request.Name)
	if err != nil {
		zap.S().Errorf("Failed to register device %s: %s", request.Id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "device": gin.H{"id": request.Id, "name": request.Name}})
}

func (h *Handler) listDevicesHandler(c *gin.Context) {
	registered, err := h.postgres.ListDevices(listDevicesLimit)
	if err != nil {
		zap.S().Errorf("Failed to list devices: %s", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	devices := make([]shared.DeviceStatus, 0, len(registered))
	for _, device := range registered {
		status := shared.DeviceStatus{
			Id:       device.Id,
			Name:     device.Name,
			Status:   "offline",
			LastSeen: device.CreatedAt,
		}
		if reading, ok := h.state.GetCurrent(device.Id); ok {
			status.Status = "online"
			status.LastSeen = reading.Timestamp
		}
		devices = append(devices, status)
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *Handler) sendCommandHandler(c *gin.Context) {
	deviceId := c.Param("id")
	if !shared.DeviceIdRegex.MatchString(deviceId) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("device id %q must match %s", deviceId, shared.DeviceIdRegex.String())})
		return
	}
	var command shared.Command
	err := c.ShouldBindJSON(&command)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if command.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}

	// Nil optionals are dropped here, devices only see the fields that were
	// actually set.
	payload, err := json.Marshal(command)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = h.bus.PublishCommand(deviceId, payload)
	if err != nil {
		zap.S().Warnf("Failed to publish command to %s: %s", deviceId, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type ingestTelemetryRequest struct {
	Payload map[string]interface{} `json:"payload" binding:"required"`
}

// ingestTelemetryHandler accepts telemetry over HTTP, bypassing the bus. The
// reading goes through the same upsert+persist pair as bus-delivered
// messages; a failed persist keeps the in-memory update and is not surfaced
// to the caller.
func (h *Handler) ingestTelemetryHandler(c *gin.Context) {
	deviceId := c.Param("id")
	if !shared.DeviceIdRegex.MatchString(deviceId) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("device id %q must match %s", deviceId, shared.DeviceIdRegex.String())})
		return
	}
	var request ingestTelemetryRequest
	err := c.ShouldBindJSON(&request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	topic := fmt.Sprintf("devices/%s/telemetry", deviceId)
	request.Payload["topic_type"] = "telemetry"
	request.Payload["topic"] = topic
	reading := &shared.Reading{
		Timestamp: time.Now(),
		Payload:   request.Payload,
		DeviceId:  deviceId,
		Topic:     topic,
		TopicType: "telemetry",
	}

	h.state.Upsert(reading)
	err = h.postgres.InsertReading(reading)
	if err != nil {
		zap.S().Warnf("Failed to persist reading from %s: %s", deviceId, err)
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) getLatestTelemetryHandler(c *gin.Context) {
	deviceId := c.Query("device_id")
	if deviceId == "" {
		readings, err := h.postgres.GetRecentReadings(recentReadingsLimit)
		if err != nil {
			zap.S().Errorf("Failed to query recent readings: %s", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query readings"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"readings": readings})
		return
	}

	reading, err := h.postgres.GetLatestReading(deviceId)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no telemetry for device %q", deviceId)})
			return
		}
		zap.S().Errorf("Failed to query latest reading for %s: %s", deviceId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query readings"})
		return
	}
	c.JSON(http.StatusOK, reading)
}

func (h *Handler) getCurrentHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"devices":   h.state.Snapshot(),
		"timestamp": time.Now(),
	})
}

func (h *Handler) getHistoryHandler(c *gin.Context) {
	readings := h.state.GetRecent(historyLimit)
	c.JSON(http.StatusOK, gin.H{
		"data":  readings,
		"count": len(readings),
	})
}

func (h *Handler) getStatsHandler(c *gin.Context) {
	stats, err := h.postgres.GetStats()
	if err != nil {
		zap.S().Errorf("Failed to query stats: %s", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_readings": stats.TotalReadings,
		"readings_24h":   stats.Readings24h,
		"active_devices": h.state.ActiveDeviceCount(),
	})
}
