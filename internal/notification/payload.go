// Package notification builds push payloads and fans them out to every active subscription.
package notification

import (
	"encoding/json"
	"maps"
	"time"
)

// Payload defaults.
const (
	DefaultTitle = "Tarot Journal"
	DefaultBody  = "You have a new notification"
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"
	DefaultURL   = "/"
	DefaultTag   = "tarot-journal"
)

// Action is a button rendered on the notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// DefaultActions are used when a payload has none.
func DefaultActions() []Action {
	return []Action{
		{Action: "open", Title: "Open"},
		{Action: "dismiss", Title: "Dismiss"},
	}
}

// Payload is the message delivered to the service worker.
type Payload struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon"`
	Badge              string         `json:"badge"`
	URL                string         `json:"url"`
	Tag                string         `json:"tag"`
	Data               map[string]any `json:"data"`
	Actions            []Action       `json:"actions"`
	RequireInteraction bool           `json:"requireInteraction"`
	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Normalize returns a copy of p with every empty field set to its default.
// Data always carries url and timestamp; values already in Data win.
func (p Payload) Normalize(now time.Time) Payload {
	out := p

	if out.Title == "" {
		out.Title = DefaultTitle
	}
	if out.Body == "" {
		out.Body = DefaultBody
	}
	if out.Icon == "" {
		out.Icon = DefaultIcon
	}
	if out.Badge == "" {
		out.Badge = DefaultBadge
	}
	if out.URL == "" {
		out.URL = DefaultURL
	}
	if out.Tag == "" {
		out.Tag = DefaultTag
	}
	if out.Timestamp == 0 {
		out.Timestamp = now.UnixMilli()
	}
	if len(out.Actions) == 0 {
		out.Actions = DefaultActions()
	} else {
		out.Actions = append([]Action(nil), p.Actions...)
	}

	data := map[string]any{
		"url":       out.URL,
		"timestamp": out.Timestamp,
	}
	maps.Copy(data, p.Data)
	out.Data = data

	return out
}

// Marshal encodes the payload for the push service.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
