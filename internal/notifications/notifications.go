package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultServer = "https://ntfy.sh"

// Notifier posts messages to an ntfy topic. A nil or topic-less Notifier
// drops everything, so callers never need to check.
type Notifier struct {
	client *http.Client
	server string
	topic  string

	// MinInterval rate limits repeats of the same title.
	MinInterval time.Duration
	mu          sync.Mutex
	lastSent    map[string]time.Time
}

func New(topic string) *Notifier {
	if topic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return &Notifier{}
	}

	log.Info().
		Str("topic", topic).
		Msg("Ntfy notifications initialized")

	return &Notifier{
		client:      &http.Client{Timeout: 10 * time.Second},
		server:      defaultServer,
		topic:       topic,
		MinInterval: 15 * time.Minute,
		lastSent:    map[string]time.Time{},
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.topic != ""
}

// Send sends a notification to ntfy.
func (n *Notifier) Send(title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if !n.allow(title) {
		log.Debug().Str("title", title).Msg("Notification suppressed by rate limit")
		return nil
	}

	payload := map[string]interface{}{
		"topic":   n.topic,
		"title":   title,
		"message": message,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest("POST", n.server, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}

// SendAsync sends in the background and only logs failures.
func (n *Notifier) SendAsync(title, message string) {
	if !n.Enabled() {
		return
	}
	go func() {
		if err := n.Send(title, message); err != nil {
			log.Warn().Err(err).Str("title", title).Msg("Failed to send notification")
		}
	}()
}

func (n *Notifier) allow(title string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if last, ok := n.lastSent[title]; ok && now.Sub(last) < n.MinInterval {
		return false
	}
	n.lastSent[title] = now
	return true
}
