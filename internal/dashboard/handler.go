package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/Sykios/JobManager-sub002/internal/engine"
)

// Handler bridges engine lifecycle events to dashboard broadcasts. It
// implements engine.Events.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates an event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// SyncStarted broadcasts the start of a sync cycle
func (h *Handler) SyncStarted() {
	h.server.Broadcast(Message{
		Type:      MessageTypeSyncStarted,
		Timestamp: time.Now(),
	})
}

// SyncCompleted broadcasts the outcome of a finished sync cycle
func (h *Handler) SyncCompleted(result *engine.Result) {
	data := SyncCompleteData{
		Success:    result.Success,
		Pushed:     result.Pushed,
		Pulled:     result.Pulled,
		Failed:     len(result.ItemErrors),
		Tables:     result.Tables,
		Message:    result.Message,
		DurationMS: result.Duration.Milliseconds(),
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal sync result: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeSyncComplete,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// ConnectionChanged broadcasts a reachability change
func (h *Handler) ConnectionChanged(available bool) {
	dataJSON, err := json.Marshal(ConnectionData{Available: available})
	if err != nil {
		h.logger.Printf("Failed to marshal connection state: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeConnection,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// PublishOutboxDepth broadcasts the current number of pending outbox items
func (h *Handler) PublishOutboxDepth(pending int) {
	dataJSON, err := json.Marshal(OutboxData{Pending: pending})
	if err != nil {
		h.logger.Printf("Failed to marshal outbox stats: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeOutbox,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
