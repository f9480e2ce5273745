package notification

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tarotjournal/tarotjournal/internal/common"
)

// Notification types accepted by FromRequest.
const (
	TypeReadingReminder = "reading-reminder"
	TypeNewInsight      = "new-insight"
	TypeDailyReading    = "daily-reading"
	TypeWeeklyInsights  = "weekly-insights"
	TypeCustom          = "custom"
)

// ReadingReminder reminds the user to reflect on a saved reading.
func ReadingReminder(readingID, readingTitle string) Payload {
	body := "Take a moment to reflect on your reading"
	if readingTitle != "" {
		body = fmt.Sprintf("Take a moment to reflect on %q", readingTitle)
	}

	link := "/readings"
	if readingID != "" {
		link = "/readings/" + url.PathEscape(readingID)
	}

	return Payload{
		Title: "Reading Reminder",
		Body:  body,
		URL:   link,
		Tag:   "reading-reminder",
		Data: map[string]any{
			"type":      TypeReadingReminder,
			"readingId": readingID,
		},
		Actions: []Action{
			{Action: "view", Title: "View Reading"},
			{Action: "dismiss", Title: "Later"},
		},
	}
}

// NewInsight announces a new journal insight.
func NewInsight(message string) Payload {
	if strings.TrimSpace(message) == "" {
		message = "A new insight is waiting in your journal"
	}

	return Payload{
		Title: "New Insight",
		Body:  message,
		URL:   "/insights",
		Tag:   "new-insight",
		Data:  map[string]any{"type": TypeNewInsight},
	}
}

// DailyReading invites the user to draw today's card.
func DailyReading() Payload {
	return Payload{
		Title:              "Daily Tarot Reading",
		Body:               "Your daily card is ready. What will the cards reveal today?",
		URL:                "/readings/new?spread=daily",
		Tag:                "daily-reading",
		RequireInteraction: false,
		Data:               map[string]any{"type": TypeDailyReading},
		Actions: []Action{
			{Action: "draw", Title: "Draw Card"},
			{Action: "dismiss", Title: "Later"},
		},
	}
}

// WeeklyInsights points the user at the weekly summary of their readings.
func WeeklyInsights() Payload {
	return Payload{
		Title: "Your Weekly Tarot Insights",
		Body:  "See the patterns and themes from this week's readings",
		URL:   "/insights?period=week",
		Tag:   "weekly-insights",
		Data:  map[string]any{"type": TypeWeeklyInsights},
	}
}

// TestNotification is sent from the health endpoint to verify delivery.
func TestNotification() Payload {
	return Payload{
		Title: "Test Notification",
		Body:  "Push notifications are working",
		Tag:   "test-notification",
		Data:  map[string]any{"type": "test"},
	}
}

// Custom builds a payload from caller-supplied text.
func Custom(title, body, link string, data map[string]any) Payload {
	return Payload{
		Title: title,
		Body:  body,
		URL:   link,
		Data:  data,
	}
}

// FromRequest builds the payload for a send request of the given type.
// Unknown types return a ValidationError.
func FromRequest(notificationType string, data map[string]any) (Payload, error) {
	switch notificationType {
	case TypeReadingReminder:
		return ReadingReminder(stringField(data, "readingId"), stringField(data, "readingTitle")), nil
	case TypeNewInsight:
		return NewInsight(stringField(data, "message")), nil
	case TypeDailyReading:
		return DailyReading(), nil
	case TypeWeeklyInsights:
		return WeeklyInsights(), nil
	case TypeCustom:
		extra, _ := data["data"].(map[string]any)
		p := Custom(stringField(data, "title"), stringField(data, "body"), stringField(data, "url"), extra)
		p.Tag = stringField(data, "tag")
		p.Icon = stringField(data, "icon")
		if ri, ok := data["requireInteraction"].(bool); ok {
			p.RequireInteraction = ri
		}
		return p, nil
	default:
		return Payload{}, common.NewValidationError("type", fmt.Sprintf("unknown notification type %q", notificationType))
	}
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
