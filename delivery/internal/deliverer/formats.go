package deliverer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/ledgerwatch/common/models"
)

// Format is a destination body shape.
type Format string

const (
	FormatGeneric Format = "generic"
	FormatSlack   Format = "slack"
	FormatDiscord Format = "discord"
)

// DetectFormat picks the body shape from the destination URL.
func DetectFormat(url string) Format {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "hooks.slack.com"):
		return FormatSlack
	case strings.Contains(lower, "discord.com/api/webhooks"),
		strings.Contains(lower, "discordapp.com/api/webhooks"):
		return FormatDiscord
	default:
		return FormatGeneric
	}
}

var supported = map[Format]models.EventSet{
	FormatSlack:   eventSet(models.EventThreatCreated, models.EventUploadComplete, models.EventWebhookTest),
	FormatDiscord: eventSet(models.EventThreatCreated, models.EventWebhookTest),
}

func eventSet(events ...models.WebhookEvent) models.EventSet {
	set, err := models.NewEventSet(events...)
	if err != nil {
		panic(err)
	}
	return set
}

// Supports reports whether format can carry event.
func (f Format) Supports(event models.WebhookEvent) bool {
	set, ok := supported[f]
	if !ok {
		return true
	}
	return set.Has(event)
}

// Render builds the request body for format. ok is false when the format
// does not carry the event and the delivery should be suppressed.
func Render(f Format, body models.WebhookBody) (data []byte, ok bool, err error) {
	if !f.Supports(body.Event) {
		return nil, false, nil
	}
	var payload interface{}
	switch f {
	case FormatSlack:
		payload, err = slackPayload(body)
	case FormatDiscord:
		payload, err = discordPayload(body)
	default:
		payload = body
	}
	if err != nil {
		return nil, false, err
	}
	data, err = json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s body: %w", f, err)
	}
	return data, true, nil
}

func slackPayload(body models.WebhookBody) (map[string]interface{}, error) {
	switch body.Event {
	case models.EventThreatCreated:
		var d models.ThreatCreatedData
		if err := json.Unmarshal(body.Data, &d); err != nil {
			return nil, fmt.Errorf("decode threat data: %w", err)
		}
		attachment := map[string]interface{}{
			"color": severityColor(d.Severity),
			"text":  d.Description,
			"fields": []map[string]interface{}{
				{"title": "Rule", "value": string(d.RuleID), "short": true},
				{"title": "Severity", "value": d.Severity, "short": true},
				{"title": "Confidence", "value": fmt.Sprintf("%.0f%%", d.Confidence*100), "short": true},
				{"title": "Flagged value", "value": money(d.FlaggedValue, d.Currency), "short": true},
				{"title": "Records", "value": fmt.Sprintf("%d", len(d.RecordIDs)), "short": true},
				{"title": "Upload", "value": d.UploadID, "short": true},
			},
			"footer": footer(body.Environment),
			"ts":     body.Timestamp.Unix(),
		}
		return map[string]interface{}{
			"text":        fmt.Sprintf("🚨 %s", d.Title),
			"attachments": []map[string]interface{}{attachment},
		}, nil

	case models.EventUploadComplete:
		var s models.Summary
		if err := json.Unmarshal(body.Data, &s); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		fields := []map[string]interface{}{
			{"title": "Records", "value": fmt.Sprintf("%d", s.TotalRecords), "short": true},
			{"title": "Flagged", "value": fmt.Sprintf("%d", s.Flagged), "short": true},
			{"title": "Flagged value", "value": fmt.Sprintf("%.2f", s.FlaggedValue), "short": true},
			{"title": "Threats", "value": fmt.Sprintf("%d", s.Threats), "short": true},
		}
		for _, rule := range models.RuleOrder {
			if b := s.ByRule[rule]; b.Clusters > 0 {
				fields = append(fields, map[string]interface{}{
					"title": string(rule),
					"value": fmt.Sprintf("%d clusters, %d records, %.2f", b.Clusters, b.RecordsImpacted, b.TotalImpactedValue),
					"short": false,
				})
			}
		}
		color := "#2EB67D"
		if s.Flagged > 0 {
			color = severityColor("medium")
		}
		return map[string]interface{}{
			"text": fmt.Sprintf("Upload %s processed", s.UploadID),
			"attachments": []map[string]interface{}{{
				"color":  color,
				"fields": fields,
				"footer": footer(body.Environment),
				"ts":     body.Timestamp.Unix(),
			}},
		}, nil

	default:
		var d models.WebhookTestData
		_ = json.Unmarshal(body.Data, &d)
		return map[string]interface{}{"text": testMessage(d)}, nil
	}
}

func discordPayload(body models.WebhookBody) (map[string]interface{}, error) {
	switch body.Event {
	case models.EventThreatCreated:
		var d models.ThreatCreatedData
		if err := json.Unmarshal(body.Data, &d); err != nil {
			return nil, fmt.Errorf("decode threat data: %w", err)
		}
		embed := map[string]interface{}{
			"title":       d.Title,
			"description": d.Description,
			"color":       discordColor(d.Severity),
			"fields": []map[string]interface{}{
				{"name": "Rule", "value": string(d.RuleID), "inline": true},
				{"name": "Severity", "value": d.Severity, "inline": true},
				{"name": "Flagged value", "value": money(d.FlaggedValue, d.Currency), "inline": true},
			},
			"footer":    map[string]string{"text": footer(body.Environment)},
			"timestamp": body.Timestamp.UTC().Format(time.RFC3339),
		}
		return map[string]interface{}{"embeds": []map[string]interface{}{embed}}, nil

	default:
		var d models.WebhookTestData
		_ = json.Unmarshal(body.Data, &d)
		return map[string]interface{}{"content": testMessage(d)}, nil
	}
}

func testMessage(d models.WebhookTestData) string {
	if d.Message != "" {
		return d.Message
	}
	return "LedgerWatch test notification"
}

func footer(environment string) string {
	if environment == "" {
		return "LedgerWatch"
	}
	return "LedgerWatch · " + environment
}

func money(v float64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("%.2f %s", v, currency)
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "#8B0000"
	case "high":
		return "#FF0000"
	case "medium":
		return "#FFA500"
	case "low":
		return "#FFFF00"
	case "info":
		return "#0000FF"
	default:
		return "#808080"
	}
}

func discordColor(severity string) int {
	switch severity {
	case "critical":
		return 0x8B0000
	case "high":
		return 0xFF0000
	case "medium":
		return 0xFFA500
	case "low":
		return 0xFFFF00
	case "info":
		return 0x0000FF
	default:
		return 0x808080
	}
}
