// Package review exports dead-letter entries that reached manual review to
// systems where operators can inspect them.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-eventrouter/pkg/deadletter"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Record is the flat row written for an entry.
type Record struct {
	EnvelopeID       string    `bigquery:"envelope_id" json:"envelopeId"`
	ConsumerID       string    `bigquery:"consumer_id" json:"consumerId"`
	ConsumerName     string    `bigquery:"consumer_name" json:"consumerName"`
	EventType        string    `bigquery:"event_type" json:"eventType"`
	RoutingKey       string    `bigquery:"routing_key" json:"routingKey"`
	PartitionID      int       `bigquery:"partition_id" json:"partitionId"`
	FailureReason    string    `bigquery:"failure_reason" json:"failureReason"`
	FailureCount     int       `bigquery:"failure_count" json:"failureCount"`
	NotificationSent bool      `bigquery:"notification_sent" json:"notificationSent"`
	FirstFailedAt    time.Time `bigquery:"first_failed_at" json:"firstFailedAt"`
	LastFailedAt     time.Time `bigquery:"last_failed_at" json:"lastFailedAt"`
	Envelope         string    `bigquery:"envelope" json:"envelope"`
}

// NewRecord flattens an entry. The envelope is embedded as JSON.
func NewRecord(e deadletter.Entry) (Record, error) {
	raw, err := json.Marshal(e.Envelope)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal envelope %s: %w", e.Envelope.ID, err)
	}
	return Record{
		EnvelopeID:       e.Key.EnvelopeID,
		ConsumerID:       e.ConsumerID,
		ConsumerName:     e.ConsumerName,
		EventType:        e.Envelope.Type.String(),
		RoutingKey:       e.Envelope.RoutingKey,
		PartitionID:      e.Envelope.PartitionID,
		FailureReason:    e.FailureReason,
		FailureCount:     e.FailureCount,
		NotificationSent: e.NotificationSent,
		FirstFailedAt:    e.FirstFailedAt,
		LastFailedAt:     e.LastFailedAt,
		Envelope:         string(raw),
	}, nil
}

// TableConfig names the BigQuery destination.
type TableConfig struct {
	DatasetID string
	TableID   string
}

// RowInserter is the part of *bigquery.Inserter the sink uses.
type RowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQuerySink streams entries into a BigQuery table.
type BigQuerySink struct {
	inserter RowInserter
	logger   zerolog.Logger
}

// NewBigQueryClient creates a client using credentialsFile if set, otherwise
// Application Default Credentials.
func NewBigQueryClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// NewBigQuerySink connects to the configured table, creating it from the
// Record schema when it does not exist.
func NewBigQuerySink(ctx context.Context, client *bigquery.Client, cfg TableConfig, logger zerolog.Logger) (*BigQuerySink, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("dataset and table ids are required")
	}
	logger = logger.With().Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("Review table not found. Attempting to create with inferred schema.")
		schema, inferErr := bigquery.InferSchema(Record{})
		if inferErr != nil {
			return nil, fmt.Errorf("failed to infer review schema: %w", inferErr)
		}
		if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: schema}); createErr != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
		}
		logger.Info().Msg("Review table created.")
	}
	return NewBigQuerySinkWithInserter(tableRef.Inserter(), logger), nil
}

// NewBigQuerySinkWithInserter builds a sink over any RowInserter.
func NewBigQuerySinkWithInserter(inserter RowInserter, logger zerolog.Logger) *BigQuerySink {
	return &BigQuerySink{
		inserter: inserter,
		logger:   logger.With().Str("component", "BigQueryReviewSink").Logger(),
	}
}

// Export inserts one row for e.
func (s *BigQuerySink) Export(ctx context.Context, e deadletter.Entry) error {
	rec, err := NewRecord(e)
	if err != nil {
		return err
	}
	if err := s.inserter.Put(ctx, []*Record{&rec}); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				s.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	s.logger.Debug().Str("envelope_id", rec.EnvelopeID).Str("consumer_id", rec.ConsumerID).Msg("Review record inserted.")
	return nil
}
