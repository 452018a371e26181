// README: Notification delivery port; FCM adapter and a log-only fallback.
package notify

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"

	"hatid/internal/types"
)

var ErrNoDeviceToken = errors.New("no device token registered")

// TaskOffer is the payload delivered when a task is offered to a runner.
type TaskOffer struct {
	TaskID   types.ID
	RunnerID types.ID
	Kind     string
	Category string
}

// Notifier pushes dispatch events toward the affected client. The dispatch
// coordinator only needs the state write to succeed, not delivery, so
// implementations may fail without affecting task state.
type Notifier interface {
	TaskOffered(ctx context.Context, offer TaskOffer) error
}

// TokenSource resolves a user's registered device token.
type TokenSource interface {
	DeviceToken(ctx context.Context, id types.ID) (string, error)
}

// FCMNotifier delivers offers via Firebase Cloud Messaging.
type FCMNotifier struct {
	client *messaging.Client
	tokens TokenSource
}

func NewFCMNotifier(client *messaging.Client, tokens TokenSource) *FCMNotifier {
	return &FCMNotifier{client: client, tokens: tokens}
}

func (n *FCMNotifier) TaskOffered(ctx context.Context, offer TaskOffer) error {
	token, err := n.tokens.DeviceToken(ctx, offer.RunnerID)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNoDeviceToken
	}
	_, err = n.client.Send(ctx, &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: "New task nearby",
			Body:  fmt.Sprintf("A %s task (%s) is waiting for you", offer.Kind, offer.Category),
		},
		Data: map[string]string{
			"type":     "task_offer",
			"task_id":  string(offer.TaskID),
			"kind":     offer.Kind,
			"category": offer.Category,
		},
	})
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

// LogNotifier is the dev/test stand-in: it only logs the offer.
type LogNotifier struct{}

func (LogNotifier) TaskOffered(ctx context.Context, offer TaskOffer) error {
	log.Ctx(ctx).Info().
		Str("task", string(offer.TaskID)).
		Str("runner", string(offer.RunnerID)).
		Str("category", offer.Category).
		Msg("task offered")
	return nil
}
