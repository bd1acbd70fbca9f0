//go:build integration

package review_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-eventrouter/pkg/review"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBigQuerySink_Integration(t *testing.T) {
	const (
		projectID = "test-project"
		datasetID = "eventrouter"
		tableID   = "manual_review"
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	bigquerySchema := map[string]interface{}{tableID: review.Record{}}
	bigqueryCfg := emulators.GetDefaultBigQueryConfig(projectID, map[string]string{datasetID: tableID}, bigquerySchema)
	bigqueryConnection := emulators.SetupBigQueryEmulator(t, ctx, bigqueryCfg)

	client, err := bigquery.NewClient(ctx, projectID, bigqueryConnection.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sink, err := review.NewBigQuerySink(ctx, client, review.TableConfig{DatasetID: datasetID, TableID: tableID}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, sink.Export(ctx, parkedEntry()))
	require.NoError(t, sink.Export(ctx, parkedEntry()))

	getRowCount := func() (int, error) {
		q := client.Query(fmt.Sprintf("SELECT count(*) FROM `%s.%s`", datasetID, tableID))
		it, err := q.Read(ctx)
		if err != nil {
			return -1, err
		}
		var row []bigquery.Value
		if err := it.Next(&row); err != nil {
			return -1, err
		}
		return int(row[0].(int64)), nil
	}

	require.Eventually(t, func() bool {
		count, err := getRowCount()
		return err == nil && count == 2
	}, 15*time.Second, 200*time.Millisecond)
}
