package protocol

import (
	"sync"
	"time"
)

// SessionEvent is emitted whenever a taker or maker session changes state.
type SessionEvent struct {
	SessionID string
	Role      string
	EventType string
	Data      interface{}
	Timestamp time.Time
}

// EventHandler is called when session events occur.
type EventHandler func(event SessionEvent)

// Emitter fans events out to registered handlers. Handlers run on their own
// goroutines so a slow subscriber never stalls a session.
type Emitter struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// OnEvent registers an event handler.
func (e *Emitter) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// Emit delivers an event to every handler.
func (e *Emitter) Emit(sessionID, role, eventType string, data interface{}) {
	event := SessionEvent{
		SessionID: sessionID,
		Role:      role,
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}
