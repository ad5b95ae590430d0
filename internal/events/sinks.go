package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ctx context.Context, e Event) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit event",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("request_id", e.RequestID),
		slog.String("tenant_id", e.TenantID),
		slog.String("provider", e.Provider),
		slog.Any("data", e.Data),
	)
	return nil
}

// PostgresSink appends events to the audit_events table. Redelivered events
// are ignored by primary key.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	query := `
		INSERT INTO audit_events (id, type, request_id, tenant_id, provider, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		string(e.Type),
		e.RequestID,
		sql.NullString{String: e.TenantID, Valid: e.TenantID != ""},
		sql.NullString{String: e.Provider, Valid: e.Provider != ""},
		data,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// SQSSender is the subset of the SQS client the sink needs.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink publishes events to a queue for downstream analytics.
type SQSSink struct {
	client   SQSSender
	queueURL string
}

func NewSQSSink(cfg aws.Config, queueURL string) *SQSSink {
	return &SQSSink{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func NewSQSSinkWithClient(client SQSSender, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

func (s *SQSSink) Write(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"EventType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(e.Type)),
		},
		"RequestID": {
			DataType:    aws.String("String"),
			StringValue: aws.String(e.RequestID),
		},
	}
	if e.TenantID != "" {
		attrs["TenantID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(e.TenantID),
		}
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	return nil
}

// MemorySink keeps events in memory. Used by tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns the event types in arrival order.
func (s *MemorySink) Types() []Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Type, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}
