package notifications

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gabztoo/Perpetuo/internal/budget"
)

type MockPublisher struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockPublisher) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

func TestSNSNotifier_Send(t *testing.T) {
	var got *sns.PublishInput
	n := NewSNSNotifierWithClient(&MockPublisher{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
			got = params
			return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
		},
	}, "arn:aws:sns:us-east-1:123:alerts")

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := n.Send(context.Background(), ProviderDown("groq", at)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if aws.ToString(got.TopicArn) != "arn:aws:sns:us-east-1:123:alerts" {
		t.Errorf("TopicArn = %s", aws.ToString(got.TopicArn))
	}
	if v := aws.ToString(got.MessageAttributes["Type"].StringValue); v != "provider_down" {
		t.Errorf("Type attribute = %s", v)
	}
	if v := aws.ToString(got.MessageAttributes["Provider"].StringValue); v != "groq" {
		t.Errorf("Provider attribute = %s", v)
	}
	if _, ok := got.MessageAttributes["TenantID"]; ok {
		t.Error("TenantID attribute should be omitted for provider notifications")
	}
	if !strings.Contains(aws.ToString(got.Message), `"provider":"groq"`) {
		t.Errorf("message body = %s", aws.ToString(got.Message))
	}
}

func TestSNSNotifier_SendError(t *testing.T) {
	n := NewSNSNotifierWithClient(&MockPublisher{
		PublishFunc: func(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, errors.New("throttled")
		},
	}, "arn")

	if err := n.Send(context.Background(), ProviderUp("gemini", time.Now())); err == nil {
		t.Error("expected publish error")
	}
}

func TestBudgetAlert(t *testing.T) {
	tests := []struct {
		level budget.AlertLevel
		want  NotificationType
	}{
		{budget.AlertLevelWarning, NotificationBudgetWarning},
		{budget.AlertLevelCritical, NotificationBudgetCritical},
		{budget.AlertLevelExceeded, NotificationBudgetExceeded},
	}

	for _, tt := range tests {
		n := BudgetAlert(budget.Alert{TenantID: "t1", Level: tt.level, Percentage: 96})
		if n.Type != tt.want {
			t.Errorf("BudgetAlert(%s).Type = %s, want %s", tt.level, n.Type, tt.want)
		}
		if n.TenantID != "t1" {
			t.Errorf("TenantID = %s", n.TenantID)
		}
	}
}

func TestBudgetAlertHandler(t *testing.T) {
	n := NewInMemoryNotifier()
	handler := BudgetAlertHandler(n)

	handler(budget.Alert{TenantID: "t1", Level: budget.AlertLevelExceeded, Percentage: 100})

	got := n.GetNotifications()
	if len(got) != 1 || got[0].Type != NotificationBudgetExceeded {
		t.Errorf("notifications = %+v", got)
	}
}
