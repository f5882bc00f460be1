// Package migrate implements the export/import orchestration engine that
// moves a BigQuery project's schema-level metadata (views, routines,
// external tables, managed-table data and scheduled queries) through a GCS
// bucket, enabling project cloning and backup.
//
// The live warehouse, the blob store and the transfer service are reached
// through the Warehouse, Storage and TransferService interfaces; the
// service package provides the Google Cloud implementations.
package migrate

import (
	"context"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/bigquery/datatransfer/apiv1/datatransferpb"
)

// Mode selects the direction of a run.
type Mode string

const (
	ModeExport Mode = "export"
	ModeImport Mode = "import"
)

// Component is one migratable object kind.
type Component string

const (
	ComponentTables           Component = "tables"
	ComponentExternalTables   Component = "external_tables"
	ComponentViews            Component = "views"
	ComponentRoutines         Component = "routines"
	ComponentScheduledQueries Component = "scheduled_queries"
)

// AllComponents is the default component set, in import stage order.
func AllComponents() []Component {
	return []Component{
		ComponentTables,
		ComponentExternalTables,
		ComponentViews,
		ComponentRoutines,
		ComponentScheduledQueries,
	}
}

// ProjectConfig is the snapshot taken once at export start and read back
// once at import start. Datasets added to the live project after the
// snapshot are not part of the run.
type ProjectConfig struct {
	ProjectID string   `json:"project_id"`
	Datasets  []string `json:"datasets"`
}

// TableEntry identifies a table within a dataset along with its type.
type TableEntry struct {
	TableID string
	Type    bigquery.TableType
}

// Warehouse is the live BigQuery surface the pipelines call.
type Warehouse interface {
	ProjectID() string
	ListDatasets(ctx context.Context) ([]string, error)
	DatasetRegion(ctx context.Context, datasetID string) (string, error)
	EnsureDataset(ctx context.Context, datasetID, region string) error
	ListTables(ctx context.Context, datasetID string) ([]TableEntry, error)
	TableMetadata(ctx context.Context, datasetID, tableID string) (*bigquery.TableMetadata, error)
	CreateTable(ctx context.Context, datasetID, tableID string, md *bigquery.TableMetadata) error
	ListRoutines(ctx context.Context, datasetID string) ([]string, error)
	RoutineMetadata(ctx context.Context, datasetID, routineID string) (*bigquery.RoutineMetadata, error)
	CreateRoutine(ctx context.Context, datasetID, routineID string, md *bigquery.RoutineMetadata) error
	ExtractTable(ctx context.Context, datasetID, tableID, destinationURI string) error
	LoadTable(ctx context.Context, datasetID, tableID, sourceURI string, schema bigquery.Schema) error
}

// Storage is the blob-store gateway holding the intermediate representation.
type Storage interface {
	PutJSON(ctx context.Context, name string, v any) error
	GetJSON(ctx context.Context, name string, v any) error
	ListNames(ctx context.Context, prefix string) ([]string, error)
	// URI returns the gs:// location of a stored path, for extract and
	// load jobs that read and write the bucket directly.
	URI(path string) string
}

// TransferService is the scheduled-query surface of the data transfer API.
type TransferService interface {
	ListTransferConfigs(ctx context.Context, projectID, region string) ([]*datatransferpb.TransferConfig, error)
	CreateTransferConfig(ctx context.Context, projectID, region string, tc *datatransferpb.TransferConfig) (string, error)
}

// Mirror copies the whole bucket to or from a local directory.
type Mirror interface {
	DownloadAll(ctx context.Context, localDir string) error
	UploadAll(ctx context.Context, localDir string) error
}
