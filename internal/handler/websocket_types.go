// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sensorhub/internal/decoder"
)

// Stream encodings
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// Client represents a stream subscriber
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Format      string          `json:"format"`
	Sensors     []string        `json:"sensors,omitempty"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`
}

// StreamMessage is one sample as sent to stream clients
type StreamMessage struct {
	Sensor        string `json:"sensor" cbor:"sensor"`
	Kind          string `json:"kind" cbor:"kind"`
	Sample        any    `json:"sample" cbor:"sample"`
	Timestamp     int64  `json:"timestamp" cbor:"timestamp"`
	PeerTimestamp int64  `json:"peer_timestamp" cbor:"peer_timestamp"`
	Batched       bool   `json:"batched,omitempty" cbor:"batched,omitempty"`
}

func newStreamMessage(r decoder.Report) StreamMessage {
	msg := StreamMessage{
		Sensor:        r.Type.String(),
		Sample:        r.Sample,
		Timestamp:     r.Timestamp,
		PeerTimestamp: r.PeerTimestamp,
		Batched:       r.Batched,
	}
	if r.Sample != nil {
		msg.Kind = r.Sample.Kind()
	}
	return msg
}

// ConnectionManager tracks connected stream clients
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{clients: make(map[string]*Client)}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister unregisters a client
func (cm *ConnectionManager) Unregister(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	delete(cm.clients, client.ID)
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		ByFormat:         make(map[string]int),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}
	for _, client := range cm.clients {
		stats.ByFormat[client.Format]++
		stats.Clients = append(stats.Clients, client)
	}
	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ByFormat         map[string]int `json:"by_format"`
	Clients          []*Client      `json:"clients"`
	DroppedSamples   int64          `json:"dropped_samples"`
}
