// Package events publishes ETL lifecycle events to Redis pub/sub so
// downstream workers can react to new data without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	ChannelBatchCompleted = "events.etl_batch.completed"
	ChannelFileProcessed  = "events.etl_file.processed"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "sleepetl",
		Version:   "1.0",
	}
}

// FileProcessedEvent is published once per file that reached persistence.
type FileProcessedEvent struct {
	BaseEvent

	RunID         string `json:"run_id"`
	FileName      string `json:"file_name"`
	FileType      string `json:"file_type"`
	Status        string `json:"status"`
	RowsParsed    int    `json:"rows_parsed"`
	RowsPersisted int    `json:"rows_persisted"`
	RowsFailed    int    `json:"rows_failed"`
	StepsEnqueued int    `json:"steps_enqueued"`
	ArchivedTo    string `json:"archived_to,omitempty"`
}

// BatchCompletedEvent is published when a batch run finishes, successfully
// or not.
type BatchCompletedEvent struct {
	BaseEvent

	RunID   string `json:"run_id"`
	Trigger string `json:"trigger"`

	FilesFound     int `json:"files_found"`
	FilesProcessed int `json:"files_processed"`
	FileErrors     int `json:"file_errors"`
	RowsPersisted  int `json:"rows_persisted"`
	RowsFailed     int `json:"rows_failed"`
	StepsEnqueued  int `json:"steps_enqueued"`

	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher publishes ETL events to Redis.
type Publisher struct {
	client redisPublisher
	closer func() error
	logger zerolog.Logger
}

func NewPublisher(client *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client: client,
		closer: client.Close,
		logger: logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Connect opens a Redis client for url and verifies the connection before
// returning it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (p *Publisher) PublishFileProcessed(ctx context.Context, e FileProcessedEvent) error {
	e.BaseEvent = NewBaseEvent("etl_file.processed")
	return p.publish(ctx, ChannelFileProcessed, e)
}

func (p *Publisher) PublishBatchCompleted(ctx context.Context, e BatchCompletedEvent) error {
	e.BaseEvent = NewBaseEvent("etl_batch.completed")
	e.DurationSeconds = e.CompletedAt.Sub(e.StartedAt).Seconds()
	return p.publish(ctx, ChannelBatchCompleted, e)
}

func (p *Publisher) publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Error().Err(err).Str("channel", channel).Msg("failed to publish event")
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.logger.Debug().Str("channel", channel).Int("payload_size", len(data)).Msg("event published")
	return nil
}

func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
