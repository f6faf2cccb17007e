package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rawblock/aml-engine/internal/aml"
	"github.com/sirupsen/logrus"
)

// Alert Delivery
//
// Accepted alerts leave the engine through the dispatcher:
//   1. archived (postgres) so they survive restarts of the live set
//   2. broadcast to websocket subscribers
//   3. pushed to registered webhooks (Slack, Discord, SIEM) meeting
//      their minimum severity, asynchronously
//
// Archive failures are logged and do not stop delivery.

// Archive persists emitted alerts
type Archive interface {
	SaveAlert(ctx context.Context, alert aml.MoneyLaunderingAlert) error
}

// Webhook is a registered webhook receiver
type Webhook struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity aml.Severity      `json:"minSeverity"`
}

// Dispatcher fans accepted alerts out to the archive, broadcast and webhooks
type Dispatcher struct {
	mu         sync.RWMutex
	webhooks   []Webhook
	archive    Archive
	broadcast  func(aml.MoneyLaunderingAlert)
	httpClient *http.Client
	logger     *logrus.Logger

	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher. archive and broadcast may be nil.
func NewDispatcher(archive Archive, broadcast func(aml.MoneyLaunderingAlert), logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		archive:    archive,
		broadcast:  broadcast,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// RegisterWebhook adds a webhook endpoint
func (d *Dispatcher) RegisterWebhook(name, url string, minSeverity aml.Severity, headers map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.webhooks = append(d.webhooks, Webhook{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})

	d.logger.WithFields(logrus.Fields{
		"name":        name,
		"url":         url,
		"minSeverity": minSeverity.String(),
	}).Info("[Notify] Registered webhook")
}

// RemoveWebhook removes a webhook by name
func (d *Dispatcher) RemoveWebhook(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, wh := range d.webhooks {
		if wh.Name == name {
			d.webhooks = append(d.webhooks[:i], d.webhooks[i+1:]...)
			return
		}
	}
}

// Webhooks returns a copy of the registered endpoints
func (d *Dispatcher) Webhooks() []Webhook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Webhook(nil), d.webhooks...)
}

// Dispatch delivers alerts in order. Webhook posts run in the background;
// Wait blocks until they finish.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []aml.MoneyLaunderingAlert) {
	webhooks := d.Webhooks()

	for _, alert := range alerts {
		if d.archive != nil {
			if err := d.archive.SaveAlert(ctx, alert); err != nil {
				d.logger.WithError(err).WithField("id", alert.ID).Error("[Notify] Failed to archive alert")
			}
		}

		if d.broadcast != nil {
			d.broadcast(alert)
		}

		for _, wh := range webhooks {
			if !wh.Enabled || alert.Severity < wh.MinSeverity {
				continue
			}
			d.inflight.Add(1)
			go func(wh Webhook, alert aml.MoneyLaunderingAlert) {
				defer d.inflight.Done()
				if err := d.send(wh, alert); err != nil {
					d.logger.WithError(err).WithFields(logrus.Fields{
						"webhook": wh.Name,
						"id":      alert.ID,
					}).Warn("[Notify] Webhook delivery failed")
				}
			}(wh, alert)
		}
	}
}

// Wait blocks until in-flight webhook deliveries complete
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// send delivers an alert to a webhook endpoint
func (d *Dispatcher) send(wh Webhook, alert aml.MoneyLaunderingAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned status %d", wh.Name, resp.StatusCode)
	}
	return nil
}
