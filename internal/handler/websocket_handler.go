// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sensorhub/internal/decoder"
	"sensorhub/internal/sensor"
	"sensorhub/internal/utils"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// StreamHandler serves the live sample stream over WebSocket
type StreamHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	bus         *EventBus
	logger      *utils.ServiceLogger
}

// NewStreamHandler creates a stream handler fed by bus
func NewStreamHandler(bus *EventBus, allowedOrigins []string, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		connections: NewConnectionManager(),
		bus:         bus,
		logger:      utils.NewServiceLogger(logger, "stream-handler"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes registers stream routes
func (h *StreamHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/stream", h.HandleStream)
	router.GET("/stream/stats", h.GetConnectionStats)
}

// HandleStream upgrades the request and streams samples.
// Query: format=json|cbor, sensors=comma separated type names.
func (h *StreamHandler) HandleStream(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", FormatJSON))
	if format != FormatJSON && format != FormatCBOR {
		utils.ErrorResponse(c, http.StatusBadRequest, "Unsupported stream format", fmt.Errorf("format %q", format))
		return
	}

	var (
		names  []string
		filter sensor.Set
	)
	if raw := c.Query("sensors"); raw != "" {
		names = strings.Split(raw, ",")
		types, err := sensor.ParseTypes(names)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid sensor filter", err)
			return
		}
		filter = sensor.NewSet(types...)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Format:      format,
		Sensors:     names,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	samples := h.bus.Subscribe(client.ID)
	h.logger.Info("Stream client connected",
		zap.String("client_id", client.ID),
		zap.String("format", format),
		zap.String("remote_addr", client.RemoteAddr),
	)

	go h.handleClientRead(client)
	go h.handleClientWrite(client, samples, filter, len(names) > 0)
}

// handleClientRead drains control frames until the client goes away
func (h *StreamHandler) handleClientRead(client *Client) {
	defer func() {
		h.bus.Unsubscribe(client.ID)
		h.connections.Unregister(client)
		client.Connection.Close()
		h.logger.Info("Stream client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadLimit(512)
	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.Connection.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}
	}
}

// handleClientWrite encodes samples for the client and keeps the connection alive
func (h *StreamHandler) handleClientWrite(client *Client, samples <-chan decoder.Report, filter sensor.Set, filtered bool) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case report, ok := <-samples:
			client.Connection.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if filtered && !filter.Has(report.Type) {
				continue
			}

			messageType, payload, err := encodeSample(client.Format, report)
			if err != nil {
				h.logger.Error("Failed to encode sample",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				continue
			}
			if err := client.Connection.WriteMessage(messageType, payload); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodeSample(format string, r decoder.Report) (int, []byte, error) {
	msg := newStreamMessage(r)
	if format == FormatCBOR {
		payload, err := cbor.Marshal(msg)
		return websocket.BinaryMessage, payload, err
	}
	payload, err := json.Marshal(msg)
	return websocket.TextMessage, payload, err
}

// GetConnectionStats returns connection statistics
func (h *StreamHandler) GetConnectionStats(c *gin.Context) {
	stats := h.connections.GetStats()
	stats.DroppedSamples = h.bus.Dropped()
	utils.SuccessResponse(c, http.StatusOK, "Stream statistics", stats)
}
