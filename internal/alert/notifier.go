// Package alert delivers malicious-verdict notifications. Delivery is
// best effort; a failed alert never blocks or reverses a verdict.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// WebhookNotifier POSTs verdict alerts to a configured endpoint. With no
// endpoint configured it degrades to structured log output.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type alertPayload struct {
	Event     string   `json:"event"`
	PackageID string   `json:"package_id"`
	Threats   []string `json:"threats"`
	Timestamp string   `json:"timestamp"`
}

// Notify reports a malicious verdict for a package.
func (n *WebhookNotifier) Notify(packageID string, threats []string) {
	log.WithFields(log.Fields{
		"package_id": packageID,
		"threats":    len(threats),
	}).Warn("Malicious package detected")

	if n.url == "" {
		return
	}
	payload := alertPayload{
		Event:     "package.malicious",
		PackageID: packageID,
		Threats:   threats,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Error("Failed to encode alert payload")
		return
	}
	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithError(err).WithField("package_id", packageID).Error("Alert delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.WithFields(log.Fields{
			"package_id": packageID,
			"status":     resp.StatusCode,
		}).Error(fmt.Sprintf("Alert endpoint returned %s", resp.Status))
	}
}
