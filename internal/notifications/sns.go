// Package notifications publishes operational alerts: providers going down
// or recovering, and tenants crossing budget thresholds.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/gabztoo/Perpetuo/internal/budget"
	"github.com/goccy/go-json"
)

type NotificationType string

const (
	NotificationBudgetWarning  NotificationType = "budget_warning"
	NotificationBudgetCritical NotificationType = "budget_critical"
	NotificationBudgetExceeded NotificationType = "budget_exceeded"
	NotificationProviderDown   NotificationType = "provider_down"
	NotificationProviderUp     NotificationType = "provider_up"
)

type Notification struct {
	Type      NotificationType       `json:"type"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

func ProviderDown(provider string, at time.Time) Notification {
	return Notification{
		Type:      NotificationProviderDown,
		Provider:  provider,
		Message:   fmt.Sprintf("circuit opened for provider %s", provider),
		Timestamp: at,
	}
}

func ProviderUp(provider string, at time.Time) Notification {
	return Notification{
		Type:      NotificationProviderUp,
		Provider:  provider,
		Message:   fmt.Sprintf("circuit closed for provider %s", provider),
		Timestamp: at,
	}
}

func BudgetAlert(alert budget.Alert) Notification {
	typ := NotificationBudgetWarning
	switch alert.Level {
	case budget.AlertLevelCritical:
		typ = NotificationBudgetCritical
	case budget.AlertLevelExceeded:
		typ = NotificationBudgetExceeded
	}

	return Notification{
		Type:     typ,
		TenantID: alert.TenantID,
		Message:  fmt.Sprintf("tenant %s at %.1f%% of daily budget", alert.TenantID, alert.Percentage),
		Data: map[string]interface{}{
			"day":         alert.Day,
			"budget_usd":  alert.Budget,
			"current_usd": alert.CurrentUse,
			"percentage":  alert.Percentage,
		},
		Timestamp: alert.Timestamp,
	}
}

// BudgetAlertHandler adapts a Notifier to budget.Monitor.OnAlert. Delivery
// errors are logged; the alert has already been claimed by the deduplicator.
func BudgetAlertHandler(n Notifier) budget.AlertHandler {
	return func(alert budget.Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.Send(ctx, BudgetAlert(alert)); err != nil {
			slog.Error("budget alert delivery failed", "tenant_id", alert.TenantID, "error", err)
		}
	}
}

// Publisher is the subset of the SNS client used here.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   Publisher
	topicArn string
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func NewSNSNotifierWithClient(client Publisher, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: client, topicArn: topicArn}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.TenantID != "" {
		input.MessageAttributes["TenantID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.TenantID),
		}
	}
	if notification.Provider != "" {
		input.MessageAttributes["Provider"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.Provider),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"tenant_id", notification.TenantID,
		"provider", notification.Provider,
	)
	return nil
}

// InMemoryNotifier records notifications; used when no SNS topic is set.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{notifications: make([]Notification, 0)}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	n.notifications = append(n.notifications, notification)
	n.mu.Unlock()

	slog.Info("notification recorded",
		"type", notification.Type,
		"tenant_id", notification.TenantID,
		"provider", notification.Provider,
	)
	return nil
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}
