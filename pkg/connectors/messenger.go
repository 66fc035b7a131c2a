// Package connectors implements the external collaborators of the engine:
// outbound messaging, tenant databases, the AI assistant and appointment
// scheduling.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/tcmartin/convoflow/pkg/logging"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/utils"
)

// ErrDeliveryRejected is returned when the messaging service refuses an intent
var ErrDeliveryRejected = errors.New("intent rejected by messaging service")

// HTTPMessengerConfig configures an HTTPMessenger
type HTTPMessengerConfig struct {
	// URL receives every intent as a JSON POST
	URL string

	// Token is sent as a bearer token when set
	Token string

	Timeout time.Duration

	// Retries is the number of extra attempts on transport errors and 5xx answers
	Retries int
}

// envelope is the wire format of a delivered intent
type envelope struct {
	Kind   string        `json:"kind"`
	Intent models.Intent `json:"intent"`
}

// HTTPMessenger delivers intents to the messaging service over HTTP
type HTTPMessenger struct {
	client *utils.HTTPClient
	config HTTPMessengerConfig
}

// NewHTTPMessenger creates a messenger. A nil client uses a default one.
func NewHTTPMessenger(client *utils.HTTPClient, config HTTPMessengerConfig) (*HTTPMessenger, error) {
	if config.URL == "" {
		return nil, errors.New("messenger URL is required")
	}
	if client == nil {
		client = utils.NewHTTPClient()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	return &HTTPMessenger{client: client, config: config}, nil
}

// Deliver implements runtime.Messenger
func (m *HTTPMessenger) Deliver(ctx context.Context, intent models.Intent) error {
	req := &utils.HTTPRequest{
		URL:     m.config.URL,
		Method:  "POST",
		Body:    envelope{Kind: intent.Kind(), Intent: intent},
		Timeout: m.config.Timeout,
	}
	if m.config.Token != "" {
		req.Headers = map[string]string{"Authorization": "Bearer " + m.config.Token}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(m.config.Retries)), ctx)

	err := backoff.Retry(func() error {
		resp, err := m.client.Do(ctx, req)
		if err != nil {
			return err
		}
		switch {
		case resp.IsSuccess():
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == 429:
			return fmt.Errorf("messaging service answered %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrDeliveryRejected, resp.StatusCode, strings.TrimSpace(string(resp.RawBody))))
		}
	}, b)
	if err != nil {
		return fmt.Errorf("failed to deliver %s intent: %w", intent.Kind(), err)
	}
	return nil
}

// LogMessenger writes intents to the log instead of delivering them
type LogMessenger struct {
	logger logging.Logger
}

// NewLogMessenger creates a log messenger
func NewLogMessenger(logger logging.Logger) *LogMessenger {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &LogMessenger{logger: logger}
}

// Deliver implements runtime.Messenger
func (m *LogMessenger) Deliver(ctx context.Context, intent models.Intent) error {
	switch in := intent.(type) {
	case models.SendMessage:
		m.logger.Info("Send message",
			logging.F("tenant_id", in.TenantID),
			logging.F("contact_id", in.ContactID),
			logging.F("execution_id", in.ExecutionID),
			logging.F("private", in.Private),
			logging.F("body", in.Body))
	case models.TransferToQueue:
		m.logger.Info("Transfer to queue",
			logging.F("tenant_id", in.TenantID),
			logging.F("contact_id", in.ContactID),
			logging.F("execution_id", in.ExecutionID),
			logging.F("queue_id", in.QueueID),
			logging.F("reason", in.Reason))
	default:
		m.logger.Info("Intent", logging.F("kind", intent.Kind()))
	}
	return nil
}
