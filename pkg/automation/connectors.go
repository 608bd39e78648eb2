// Package automation runs tenant automation rules: a cron scheduler enqueues
// due jobs, an event matcher enqueues jobs for matching domain events, and a
// dispatcher pool claims jobs and executes them through action connectors.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/wneessen/go-mail"

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/models"
)

// Connector executes one automation action. Transient errors are retried
// within the rule's budget; permanent errors fail the job immediately.
type Connector interface {
	Execute(ctx context.Context, rule *models.AutomationRule, job *models.AutomationJob) error
}

// ConnectorRegistry maps action types to connectors.
type ConnectorRegistry map[models.ActionType]Connector

// NewConnectorRegistry builds the standard connector set.
func NewConnectorRegistry(client *http.Client, cfg config.AutomationConfig, logger *slog.Logger) ConnectorRegistry {
	return ConnectorRegistry{
		models.ActionWebhook: &WebhookConnector{client: client},
		models.ActionCRM:     &CRMConnector{client: client},
		models.ActionEmail:   NewEmailConnector(cfg, logger),
	}
}

// Get returns the connector for an action type.
func (r ConnectorRegistry) Get(t models.ActionType) (Connector, error) {
	c, ok := r[t]
	if !ok {
		return nil, errkind.Newf(errkind.Permanent, "no connector registered for action type %q", t)
	}
	return c, nil
}

func payloadString(payload models.JSONMap, key string) (string, error) {
	v, ok := payload[key].(string)
	if !ok || v == "" {
		return "", errkind.Newf(errkind.Permanent, "action payload is missing %q", key)
	}
	return v, nil
}

// connectorBody is the JSON document webhook-style connectors deliver.
func connectorBody(rule *models.AutomationRule, job *models.AutomationJob) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"rule_id":       rule.ID,
		"rule_name":     rule.Name,
		"tenant_id":     rule.TenantID,
		"brand_id":      rule.BrandID,
		"job_id":        job.ID,
		"scheduled_for": job.ScheduledFor,
		"payload":       job.Payload,
	})
	if err != nil {
		return nil, errkind.Newf(errkind.Permanent, "failed to marshal connector body: %v", err)
	}
	return body, nil
}

func classifyHTTPStatus(status int, detail []byte) error {
	if status < 300 {
		return nil
	}
	if status >= 500 || status == http.StatusTooManyRequests {
		return errkind.Newf(errkind.Transient, "endpoint returned %d: %s", status, detail)
	}
	return errkind.Newf(errkind.Permanent, "endpoint returned %d: %s", status, detail)
}

// WebhookConnector posts the job to the rule's url. When the payload carries
// a secret the body is signed the same way channel webhooks are.
type WebhookConnector struct {
	client *http.Client
}

// Execute posts the job document.
func (c *WebhookConnector) Execute(ctx context.Context, rule *models.AutomationRule, job *models.AutomationJob) error {
	url, err := payloadString(rule.ActionPayload, "url")
	if err != nil {
		return err
	}
	body, err := connectorBody(rule, job)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errkind.Newf(errkind.Permanent, "failed to build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret, ok := rule.ActionPayload["secret"].(string); ok && secret != "" {
		req.Header.Set("X-Signature", "sha256="+auth.SignBody(secret, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errkind.Newf(errkind.Transient, "webhook request failed: %v", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return classifyHTTPStatus(resp.StatusCode, detail)
}

// CRMConnector posts the job to a CRM endpoint with an API key header.
type CRMConnector struct {
	client *http.Client
}

// Execute posts the job document to the configured CRM endpoint.
func (c *CRMConnector) Execute(ctx context.Context, rule *models.AutomationRule, job *models.AutomationJob) error {
	endpoint, err := payloadString(rule.ActionPayload, "endpoint")
	if err != nil {
		return err
	}
	apiKey, err := payloadString(rule.ActionPayload, "api_key")
	if err != nil {
		return err
	}
	body, err := connectorBody(rule, job)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errkind.Newf(errkind.Permanent, "failed to build crm request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return errkind.Newf(errkind.Transient, "crm request failed: %v", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return classifyHTTPStatus(resp.StatusCode, detail)
}

// EmailConnector sends mail through the configured SMTP relay.
type EmailConnector struct {
	cfg    config.AutomationConfig
	logger *slog.Logger
}

// NewEmailConnector creates an EmailConnector.
func NewEmailConnector(cfg config.AutomationConfig, logger *slog.Logger) *EmailConnector {
	return &EmailConnector{cfg: cfg, logger: logger}
}

// Execute sends one message. Recipient, subject, and body come from the
// rule's action payload; job payload values can be referenced in the body
// via a trailing summary block.
func (c *EmailConnector) Execute(ctx context.Context, rule *models.AutomationRule, job *models.AutomationJob) error {
	to, err := payloadString(rule.ActionPayload, "to")
	if err != nil {
		return err
	}
	subject, err := payloadString(rule.ActionPayload, "subject")
	if err != nil {
		return err
	}
	body, _ := rule.ActionPayload["body"].(string)
	if len(job.Payload) > 0 {
		detail, err := json.MarshalIndent(job.Payload, "", "  ")
		if err == nil {
			body = fmt.Sprintf("%s\n\n---\n%s\n", body, detail)
		}
	}

	msg := mail.NewMsg()
	if err := msg.From(c.cfg.EmailFrom); err != nil {
		return errkind.Newf(errkind.Permanent, "invalid sender address: %v", err)
	}
	if err := msg.To(to); err != nil {
		return errkind.Newf(errkind.Permanent, "invalid recipient address %q: %v", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := c.smtpClient()
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return errkind.Newf(errkind.Transient, "smtp delivery failed: %v", err)
	}
	return nil
}

func (c *EmailConnector) smtpClient() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(c.cfg.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if c.cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(c.cfg.SMTPUser),
			mail.WithPassword(c.cfg.SMTPPassword))
	}
	client, err := mail.NewClient(c.cfg.SMTPHost, opts...)
	if err != nil {
		return nil, errkind.Newf(errkind.Permanent, "failed to build smtp client: %v", err)
	}
	return client, nil
}
