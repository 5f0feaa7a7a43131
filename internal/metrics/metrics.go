package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Event ingest
	EventsReceivedTotal  int64
	EventsProcessedTotal int64
	EventErrorsTotal     int64
	DuplicateEventsTotal int64

	// Reconciler
	SessionsCreatedTotal    int64
	SessionsArchivedTotal   int64
	IllegalTransitionsTotal int64
	activeSessions          int64

	// Windower
	WindowsFlushedTotal int64
	TurnsBufferedTotal  int64

	// Dispatcher
	DispatchJobsTotal      int64
	DispatchTimeoutsTotal  int64
	DispatchDiscardedTotal int64
	SuggestionsTotal       int64

	// Realtime
	ConnectionsTotal        int64
	SubscribesTotal         int64
	UnsubscribesTotal       int64
	MessagesPublishedTotal  int64
	MessagesDroppedTotal    int64
	SubscribersEvictedTotal int64

	startTime time.Time
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{startTime: time.Now()}
	})
	return instance
}

func (m *Metrics) add(field *int64, n int64) {
	m.mu.Lock()
	*field += n
	m.mu.Unlock()
}

func (m *Metrics) RecordEventReceived()  { m.add(&m.EventsReceivedTotal, 1) }
func (m *Metrics) RecordEventProcessed() { m.add(&m.EventsProcessedTotal, 1) }
func (m *Metrics) RecordEventError()     { m.add(&m.EventErrorsTotal, 1) }
func (m *Metrics) RecordDuplicateEvent() { m.add(&m.DuplicateEventsTotal, 1) }

func (m *Metrics) RecordSessionCreated() {
	m.mu.Lock()
	m.SessionsCreatedTotal++
	m.activeSessions++
	m.mu.Unlock()
}

func (m *Metrics) RecordSessionArchived() {
	m.mu.Lock()
	m.SessionsArchivedTotal++
	if m.activeSessions > 0 {
		m.activeSessions--
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordIllegalTransition() { m.add(&m.IllegalTransitionsTotal, 1) }

func (m *Metrics) RecordWindowFlushed() { m.add(&m.WindowsFlushedTotal, 1) }
func (m *Metrics) RecordTurnBuffered()  { m.add(&m.TurnsBufferedTotal, 1) }

func (m *Metrics) RecordDispatchJob()       { m.add(&m.DispatchJobsTotal, 1) }
func (m *Metrics) RecordDispatchTimeout()   { m.add(&m.DispatchTimeoutsTotal, 1) }
func (m *Metrics) RecordDispatchDiscarded() { m.add(&m.DispatchDiscardedTotal, 1) }
func (m *Metrics) RecordSuggestion()        { m.add(&m.SuggestionsTotal, 1) }

func (m *Metrics) RecordConnection()        { m.add(&m.ConnectionsTotal, 1) }
func (m *Metrics) RecordSubscribe()         { m.add(&m.SubscribesTotal, 1) }
func (m *Metrics) RecordUnsubscribe()       { m.add(&m.UnsubscribesTotal, 1) }
func (m *Metrics) RecordMessageDropped()    { m.add(&m.MessagesDroppedTotal, 1) }
func (m *Metrics) RecordSubscriberEvicted() { m.add(&m.SubscribersEvictedTotal, 1) }

func (m *Metrics) RecordPublish(delivered int) {
	m.add(&m.MessagesPublishedTotal, int64(delivered))
}

// ActiveSessions returns the current live session count
func (m *Metrics) ActiveSessions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSessions
}

// EventsReceived returns the received-event counter
func (m *Metrics) EventsReceived() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.EventsReceivedTotal
}

// snapshot captures the counters for serving
func (m *Metrics) snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"events_received":     m.EventsReceivedTotal,
		"events_processed":    m.EventsProcessedTotal,
		"event_errors":        m.EventErrorsTotal,
		"duplicate_events":    m.DuplicateEventsTotal,
		"sessions_created":    m.SessionsCreatedTotal,
		"sessions_archived":   m.SessionsArchivedTotal,
		"sessions_active":     m.activeSessions,
		"illegal_transitions": m.IllegalTransitionsTotal,
		"windows_flushed":     m.WindowsFlushedTotal,
		"turns_buffered":      m.TurnsBufferedTotal,
		"dispatch_jobs":       m.DispatchJobsTotal,
		"dispatch_timeouts":   m.DispatchTimeoutsTotal,
		"dispatch_discarded":  m.DispatchDiscardedTotal,
		"suggestions":         m.SuggestionsTotal,
		"connections_total":   m.ConnectionsTotal,
		"subscribes":          m.SubscribesTotal,
		"unsubscribes":        m.UnsubscribesTotal,
		"messages_published":  m.MessagesPublishedTotal,
		"messages_dropped":    m.MessagesDroppedTotal,
		"subscribers_evicted": m.SubscribersEvictedTotal,
		"uptime_seconds":      time.Since(m.startTime).Seconds(),
	}
}

// Handler serves the metrics snapshot as JSON
func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.snapshot())
}
