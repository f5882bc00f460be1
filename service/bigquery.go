package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"bq-migrator/migrate"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// BigQueryService wraps the BigQuery client behind the warehouse surface
// the migration engine calls.
type BigQueryService struct {
	client    *bigquery.Client
	projectID string
}

func NewBigQueryService(ctx context.Context, projectID string, opts ...option.ClientOption) (*BigQueryService, error) {
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}
	return &BigQueryService{client: client, projectID: projectID}, nil
}

func (s *BigQueryService) Close() error { return s.client.Close() }

func (s *BigQueryService) ProjectID() string { return s.projectID }

func (s *BigQueryService) ListDatasets(ctx context.Context) ([]string, error) {
	it := s.client.Datasets(ctx)
	var ids []string
	for {
		ds, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, ds.DatasetID)
	}
	return ids, nil
}

func (s *BigQueryService) DatasetRegion(ctx context.Context, datasetID string) (string, error) {
	md, err := s.client.Dataset(datasetID).Metadata(ctx)
	if err != nil {
		return "", err
	}
	return md.Location, nil
}

// EnsureDataset creates the dataset when the existence probe reports
// not-found. Any other probe error propagates; it must not be mistaken
// for "exists".
func (s *BigQueryService) EnsureDataset(ctx context.Context, datasetID, region string) error {
	ds := s.client.Dataset(datasetID)
	_, err := ds.Metadata(ctx)
	if err == nil {
		return nil
	}
	if !hasStatus(err, http.StatusNotFound) {
		return fmt.Errorf("probing dataset %s: %w", datasetID, err)
	}
	slog.InfoContext(ctx, "creating dataset", "dataset", datasetID, "region", region)
	if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: region}); err != nil {
		return fmt.Errorf("creating dataset %s: %w", datasetID, err)
	}
	return nil
}

// ListTables fetches each table's metadata as well: the listing alone
// does not carry the table type the catalog and pipelines dispatch on.
func (s *BigQueryService) ListTables(ctx context.Context, datasetID string) ([]migrate.TableEntry, error) {
	it := s.client.Dataset(datasetID).Tables(ctx)
	var entries []migrate.TableEntry
	for {
		t, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		md, err := t.Metadata(ctx)
		if err != nil {
			return nil, err
		}
		entries = append(entries, migrate.TableEntry{TableID: t.TableID, Type: md.Type})
	}
	return entries, nil
}

func (s *BigQueryService) TableMetadata(ctx context.Context, datasetID, tableID string) (*bigquery.TableMetadata, error) {
	return s.client.Dataset(datasetID).Table(tableID).Metadata(ctx)
}

func (s *BigQueryService) CreateTable(ctx context.Context, datasetID, tableID string, md *bigquery.TableMetadata) error {
	return s.client.Dataset(datasetID).Table(tableID).Create(ctx, md)
}

func (s *BigQueryService) ListRoutines(ctx context.Context, datasetID string) ([]string, error) {
	it := s.client.Dataset(datasetID).Routines(ctx)
	var ids []string
	for {
		r, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, r.RoutineID)
	}
	return ids, nil
}

func (s *BigQueryService) RoutineMetadata(ctx context.Context, datasetID, routineID string) (*bigquery.RoutineMetadata, error) {
	return s.client.Dataset(datasetID).Routine(routineID).Metadata(ctx)
}

func (s *BigQueryService) CreateRoutine(ctx context.Context, datasetID, routineID string, md *bigquery.RoutineMetadata) error {
	return s.client.Dataset(datasetID).Routine(routineID).Create(ctx, md)
}

// ExtractTable runs an extract job writing the table as GZIP parquet to
// destinationURI and waits for it to finish.
func (s *BigQueryService) ExtractTable(ctx context.Context, datasetID, tableID, destinationURI string) error {
	gcsRef := bigquery.NewGCSReference(destinationURI)
	gcsRef.DestinationFormat = bigquery.Parquet
	gcsRef.Compression = bigquery.Gzip

	extractor := s.client.Dataset(datasetID).Table(tableID).ExtractorTo(gcsRef)
	job, err := extractor.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to start extract job: %w", err)
	}
	slog.InfoContext(ctx, "Extract job submitted", "job_id", job.ID(), "table", datasetID+"."+tableID)

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("job failed during execution: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job completed with error: %w", err)
	}
	return nil
}

// LoadTable runs a load job reading parquet from sourceURI into the
// table, overwriting whatever is there, and waits for it to finish.
func (s *BigQueryService) LoadTable(ctx context.Context, datasetID, tableID, sourceURI string, schema bigquery.Schema) error {
	gcsRef := bigquery.NewGCSReference(sourceURI)
	gcsRef.SourceFormat = bigquery.Parquet
	gcsRef.Schema = schema

	loader := s.client.Dataset(datasetID).Table(tableID).LoaderFrom(gcsRef)
	loader.WriteDisposition = bigquery.WriteTruncate
	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to start load job: %w", err)
	}
	slog.InfoContext(ctx, "Load job submitted", "job_id", job.ID(), "table", datasetID+"."+tableID)

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("job failed during execution: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job completed with error: %w", err)
	}
	return nil
}
