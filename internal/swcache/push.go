package swcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBadPushPayload       = errors.New("swcache: malformed push payload")
	ErrNotificationNotFound = errors.New("swcache: notification not found")
)

const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

// PushPayload is the JSON body of an incoming push message.
type PushPayload struct {
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	PrimaryKey PrimaryKey `json:"primaryKey"`
}

// PrimaryKey accepts either a JSON string or a JSON number.
type PrimaryKey string

func (k *PrimaryKey) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*k = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*k = PrimaryKey(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("primaryKey: %w", err)
	}
	*k = PrimaryKey(n.String())
	return nil
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type NotificationData struct {
	DateOfArrival time.Time `json:"dateOfArrival"`
	PrimaryKey    string    `json:"primaryKey"`
}

type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context, id string) (Notification, bool, error)
	Pending(ctx context.Context) ([]Notification, error)
}

// Inbox is an in-memory Notifier that keeps the newest limit notifications.
type Inbox struct {
	limit int

	mu    sync.Mutex
	items []Notification
}

func NewInbox(limit int) *Inbox {
	return &Inbox{limit: limit}
}

func (b *Inbox) Show(_ context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, n)
	if b.limit > 0 && len(b.items) > b.limit {
		b.items = append([]Notification(nil), b.items[len(b.items)-b.limit:]...)
	}
	return nil
}

func (b *Inbox) Dismiss(_ context.Context, id string) (Notification, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.items {
		if n.ID == id {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return n, true, nil
		}
	}
	return Notification{}, false, nil
}

func (b *Inbox) Pending(_ context.Context) ([]Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.items...), nil
}

// Push decodes payload and shows the resulting notification. Malformed
// payloads are dropped with a warning and ErrBadPushPayload.
func (s *Service) Push(ctx context.Context, payload []byte) (Notification, error) {
	var p PushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.log.Warn("dropping push payload", zap.Error(err))
		return Notification{}, fmt.Errorf("%w: %v", ErrBadPushPayload, err)
	}
	if p.Title == "" {
		s.log.Warn("dropping push payload", zap.String("reason", "missing title"))
		return Notification{}, fmt.Errorf("%w: missing title", ErrBadPushPayload)
	}

	n := Notification{
		ID:      uuid.NewString(),
		Title:   p.Title,
		Body:    p.Body,
		Icon:    "/favicon.svg",
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: time.Now().UTC(),
			PrimaryKey:    string(p.PrimaryKey),
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "Explore this course"},
			{Action: ActionClose, Title: "Close"},
		},
	}
	if err := s.notifier.Show(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("show notification: %w", err)
	}
	s.log.Info("notification shown", zap.String("id", n.ID), zap.String("primaryKey", n.Data.PrimaryKey))
	return n, nil
}

// NotificationClick dismisses the notification and returns the route to open,
// which is empty unless the action is explore.
func (s *Service) NotificationClick(ctx context.Context, id, action string) (string, error) {
	_, ok, err := s.notifier.Dismiss(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotificationNotFound
	}
	if action == ActionExplore {
		return s.cfg.Push.ExploreRoute, nil
	}
	return "", nil
}
