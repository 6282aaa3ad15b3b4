package framework

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// NotificationPayload represents a notification received by the mock
// receiver. The fields mirror the default webhook channel payload.
type NotificationPayload struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Severity     string    `json:"severity"`
	Title        string    `json:"title"`
	Reason       string    `json:"reason"`
	Namespace    string    `json:"namespace"`
	ResourceName string    `json:"resource_name"`
	TriggeredBy  string    `json:"triggered_by"`
	ReceivedAt   time.Time `json:"received_at"`
	RawBody      []byte    `json:"-"`
}

// MockNotificationReceiver is a test HTTP server that receives webhook
// notifications from the dispatcher.
type MockNotificationReceiver struct {
	server    *http.Server
	received  []NotificationPayload
	mu        sync.RWMutex
	port      int
	listening bool
}

// NewMockNotificationReceiver creates a new mock notification receiver
func NewMockNotificationReceiver(port int) *MockNotificationReceiver {
	return &MockNotificationReceiver{
		port:     port,
		received: make([]NotificationPayload, 0),
	}
}

// Start starts the mock notification receiver
func (r *MockNotificationReceiver) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", r.handleWebhook)
	mux.HandleFunc("/health", r.handleHealth)

	r.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", r.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		r.listening = true
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.listening = false
		}
	}()

	// Wait for server to start
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the mock notification receiver
func (r *MockNotificationReceiver) Stop() error {
	if r.server != nil {
		return r.server.Close()
	}
	return nil
}

// handleWebhook handles incoming webhook requests
func (r *MockNotificationReceiver) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer func() { _ = req.Body.Close() }()

	var payload NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// Store raw body even if parsing fails
		payload = NotificationPayload{RawBody: body}
	}
	payload.ReceivedAt = time.Now()
	payload.RawBody = body

	r.mu.Lock()
	r.received = append(r.received, payload)
	r.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "received"}`))
}

// handleHealth handles health check requests
func (r *MockNotificationReceiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "ok"}`))
}

// GetNotifications returns all received notifications
func (r *MockNotificationReceiver) GetNotifications() []NotificationPayload {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]NotificationPayload, len(r.received))
	copy(result, r.received)
	return result
}

// GetNotificationCount returns the number of received notifications
func (r *MockNotificationReceiver) GetNotificationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.received)
}

// ClearNotifications clears all received notifications
func (r *MockNotificationReceiver) ClearNotifications() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = make([]NotificationPayload, 0)
}

// WaitForNotification waits for at least one notification to be received
func (r *MockNotificationReceiver) WaitForNotification(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.GetNotificationCount() > 0 {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// WaitForNotificationCount waits for a specific number of notifications
func (r *MockNotificationReceiver) WaitForNotificationCount(count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.GetNotificationCount() >= count {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// GetURL returns the webhook URL
func (r *MockNotificationReceiver) GetURL() string {
	return fmt.Sprintf("http://localhost:%d/webhook", r.port)
}
