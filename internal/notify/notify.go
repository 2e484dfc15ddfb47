// Package notify dispatches anomaly notifications to configured
// destinations. Providers are a tagged variant (spec.md §9 design note:
// no per-provider interface, one dispatch function switching on Kind) so
// adding a sixth provider kind never requires touching caller code.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/smart-autoscaler/operator/internal/domain"
	"github.com/smart-autoscaler/operator/internal/netguard"
)

// Sender posts a rendered anomaly to one configured provider.
type Sender struct {
	guard  *netguard.Guard
	client *http.Client
}

// New builds a Sender that posts through guard's rate limiter and circuit
// breaker, the same network discipline the Prometheus and Kubernetes
// clients use.
func New(guard *netguard.Guard) *Sender {
	return &Sender{guard: guard, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send renders anomaly for provider.Kind and POSTs it to provider.WebhookURL.
// It returns nil without sending when the provider does not subscribe to
// the anomaly's kind. It returns an error on render, transport or guard
// failure, and on a non-2xx response, so callers can surface it as a
// delivery anomaly without crashing the control loop.
func (s *Sender) Send(ctx context.Context, provider domain.NotificationProvider, anomaly domain.Anomaly) error {
	if !provider.Subscribes(anomaly.Kind) {
		return nil
	}

	body, contentType, err := render(provider.Kind, anomaly)
	if err != nil {
		return fmt.Errorf("render %s payload: %w", provider.Kind, err)
	}

	return s.guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s webhook returned status %d", provider.Kind, resp.StatusCode)
		}
		return nil
	})
}

// Test builds and sends a synthetic anomaly in the provider's native format,
// for the read API's "send a test notification" action (spec.md §6).
func (s *Sender) Test(ctx context.Context, provider domain.NotificationProvider) error {
	sample := domain.Anomaly{
		ID:          "test",
		Workload:    domain.WorkloadKey{Namespace: "default", Name: "test-notification"},
		Timestamp:   time.Time{},
		Kind:        domain.AnomalyCostOptimization,
		Severity:    domain.SeverityInfo,
		Description: "This is a test notification from the smart autoscaler operator.",
	}
	return s.Send(ctx, domain.NotificationProvider{
		ID: provider.ID, Kind: provider.Kind, WebhookURL: provider.WebhookURL,
		Enabled: true, SubscribedKinds: nil,
	}, sample)
}

// render dispatches on kind and returns the request body and content type
// for that provider's native webhook schema.
func render(kind domain.NotificationKind, a domain.Anomaly) ([]byte, string, error) {
	switch kind {
	case domain.NotificationSlack:
		return renderSlack(a)
	case domain.NotificationTeams:
		return renderTeams(a)
	case domain.NotificationDiscord:
		return renderDiscord(a)
	case domain.NotificationGoogleChat:
		return renderGoogleChat(a)
	case domain.NotificationGeneric:
		return renderGeneric(a)
	default:
		return nil, "", fmt.Errorf("unknown notification kind %q", kind)
	}
}

func severityEmoji(sev domain.Severity) string {
	switch sev {
	case domain.SeverityCritical:
		return ":rotating_light:"
	case domain.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func title(a domain.Anomaly) string {
	return fmt.Sprintf("[%s] %s/%s: %s", a.Severity, a.Workload.Namespace, a.Workload.Name, a.Kind)
}

// renderSlack uses slack-go/slack's WebhookMessage type directly, so the
// payload is always a schema the library itself can marshal.
func renderSlack(a domain.Anomaly) ([]byte, string, error) {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("%s %s", severityEmoji(a.Severity), title(a)),
		Attachments: []slack.Attachment{
			{
				Color: slackColor(a.Severity),
				Text:  a.Description,
				Fields: []slack.AttachmentField{
					{Title: "Workload", Value: a.Workload.String(), Short: true},
					{Title: "Kind", Value: string(a.Kind), Short: true},
					{Title: "Severity", Value: string(a.Severity), Short: true},
				},
			},
		},
	}
	body, err := json.Marshal(msg)
	return body, "application/json", err
}

func slackColor(sev domain.Severity) string {
	switch sev {
	case domain.SeverityCritical:
		return "danger"
	case domain.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type teamsSection struct {
	ActivityTitle string      `json:"activityTitle"`
	Text          string      `json:"text"`
	Facts         []teamsFact `json:"facts"`
}

type teamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor"`
	Summary    string         `json:"summary"`
	Sections   []teamsSection `json:"sections"`
}

func renderTeams(a domain.Anomaly) ([]byte, string, error) {
	msg := teamsMessage{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: teamsColor(a.Severity),
		Summary:    title(a),
		Sections: []teamsSection{{
			ActivityTitle: title(a),
			Text:          a.Description,
			Facts: []teamsFact{
				{Name: "Workload", Value: a.Workload.String()},
				{Name: "Kind", Value: string(a.Kind)},
				{Name: "Severity", Value: string(a.Severity)},
			},
		}},
	}
	body, err := json.Marshal(msg)
	return body, "application/json", err
}

func teamsColor(sev domain.Severity) string {
	switch sev {
	case domain.SeverityCritical:
		return "FF0000"
	case domain.SeverityWarning:
		return "FFA500"
	default:
		return "0076D7"
	}
}

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordMessage struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

func renderDiscord(a domain.Anomaly) ([]byte, string, error) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       title(a),
			Description: a.Description,
			Color:       discordColor(a.Severity),
			Fields: []discordEmbedField{
				{Name: "Workload", Value: a.Workload.String(), Inline: true},
				{Name: "Kind", Value: string(a.Kind), Inline: true},
				{Name: "Severity", Value: string(a.Severity), Inline: true},
			},
		}},
	}
	body, err := json.Marshal(msg)
	return body, "application/json", err
}

func discordColor(sev domain.Severity) int {
	switch sev {
	case domain.SeverityCritical:
		return 0xFF0000
	case domain.SeverityWarning:
		return 0xFFA500
	default:
		return 0x2E86C1
	}
}

type googleChatCard struct {
	Text string `json:"text"`
}

func renderGoogleChat(a domain.Anomaly) ([]byte, string, error) {
	text := fmt.Sprintf("*%s*\n%s\n_workload:_ %s  _kind:_ %s  _severity:_ %s",
		title(a), a.Description, a.Workload.String(), a.Kind, a.Severity)
	body, err := json.Marshal(googleChatCard{Text: text})
	return body, "application/json", err
}

type genericPayload struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Workload    string            `json:"workload"`
	Kind        string            `json:"kind"`
	Severity    string            `json:"severity"`
	Timestamp   time.Time         `json:"timestamp"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

func renderGeneric(a domain.Anomaly) ([]byte, string, error) {
	body, err := json.Marshal(genericPayload{
		Title:       title(a),
		Description: a.Description,
		Workload:    a.Workload.String(),
		Kind:        string(a.Kind),
		Severity:    string(a.Severity),
		Timestamp:   a.Timestamp,
		Metrics:     a.MetricsSnapshot,
	})
	return body, "application/json", err
}
