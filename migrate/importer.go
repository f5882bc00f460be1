package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/bigquery"
)

// importStages orders the per-dataset work. Views and routines may
// reference tables and external tables, so each stage starts only after
// the previous one has fully drained.
var importStages = []Component{
	ComponentTables,
	ComponentExternalTables,
	ComponentViews,
	ComponentRoutines,
}

// Importer recreates a project's objects from the storage gateway. Only
// table loads run through the pool; the remaining stages are sequential
// within a dataset, and scheduled queries import once, globally, last.
type Importer struct {
	Warehouse Warehouse
	Storage   Storage
	Transfers TransferService
	Region    string
	Progress  *Progress
}

// LoadConfig locates the single project-config blob in the bucket. Zero or
// multiple candidates abort the whole run.
func LoadConfig(ctx context.Context, storage Storage) (ProjectConfig, error) {
	names, err := storage.ListNames(ctx, "")
	if err != nil {
		return ProjectConfig{}, fmt.Errorf("listing bucket contents: %w", err)
	}
	var candidates []string
	for _, name := range names {
		if strings.HasSuffix(name, "_config.json") && !strings.Contains(name, "/") {
			candidates = append(candidates, name)
		}
	}
	switch len(candidates) {
	case 1:
	case 0:
		return ProjectConfig{}, fmt.Errorf("no *_config.json blob found in bucket")
	default:
		return ProjectConfig{}, fmt.Errorf("ambiguous project config, found %s", strings.Join(candidates, ", "))
	}
	var cfg ProjectConfig
	if err := storage.GetJSON(ctx, candidates[0], &cfg); err != nil {
		return ProjectConfig{}, fmt.Errorf("reading %s: %w", candidates[0], err)
	}
	return cfg, nil
}

func (i *Importer) ImportProject(ctx context.Context, cfg ProjectConfig, tasks []Task) ([]TaskResult, error) {
	byDataset := make(map[string][]Task)
	var scheduled *Task
	for _, task := range tasks {
		if task.Kind == ComponentScheduledQueries {
			scheduled = &task
			continue
		}
		byDataset[task.Dataset] = append(byDataset[task.Dataset], task)
	}

	var results []TaskResult
	for _, datasetID := range cfg.Datasets {
		datasetTasks := byDataset[datasetID]
		if len(datasetTasks) == 0 {
			continue
		}
		results = append(results, i.importDataset(ctx, datasetID, datasetTasks)...)
	}

	if scheduled != nil {
		results = append(results, runTask(ctx, *scheduled, i.Progress, i.importScheduledQueries))
	}
	slog.Info("import completed", "project", i.Warehouse.ProjectID(), "tasks", len(results))
	return results, nil
}

// importDataset walks the stages for one dataset. When the dataset itself
// cannot be ensured, its tasks are recorded as failed without running so
// the progress counter still reaches the static total.
func (i *Importer) importDataset(ctx context.Context, datasetID string, tasks []Task) []TaskResult {
	if err := i.Warehouse.EnsureDataset(ctx, datasetID, i.Region); err != nil {
		slog.Error("dataset unavailable, failing its tasks", "dataset", datasetID, "error", err)
		failure := fmt.Errorf("dataset %s unavailable: %w", datasetID, err)
		results := make([]TaskResult, 0, len(tasks))
		for _, task := range tasks {
			i.Progress.Increment()
			results = append(results, TaskResult{Task: task, Err: failure})
		}
		return results
	}

	byKind := make(map[Component][]Task)
	for _, task := range tasks {
		byKind[task.Kind] = append(byKind[task.Kind], task)
	}

	var results []TaskResult
	for _, stage := range importStages {
		stageTasks := byKind[stage]
		if len(stageTasks) == 0 {
			continue
		}
		if stage == ComponentTables {
			// Table loads have no cross-dependencies and share the pool;
			// Wait drains them before the next stage may start.
			pool := NewPool(ctx, DefaultConcurrency, i.Progress)
			for _, task := range stageTasks {
				pool.Submit(task, func(ctx context.Context) error {
					return i.importTable(ctx, task.Dataset, task.Object)
				})
			}
			results = append(results, pool.Wait()...)
			continue
		}
		for _, task := range stageTasks {
			var fn func(context.Context) error
			switch stage {
			case ComponentExternalTables:
				fn = func(ctx context.Context) error { return i.importExternalTables(ctx, datasetID) }
			case ComponentViews:
				fn = func(ctx context.Context) error { return i.importViews(ctx, datasetID) }
			case ComponentRoutines:
				fn = func(ctx context.Context) error { return i.importRoutines(ctx, datasetID) }
			}
			results = append(results, runTask(ctx, task, i.Progress, fn))
		}
	}
	return results
}

func (i *Importer) importTable(ctx context.Context, datasetID, tableID string) error {
	var raw json.RawMessage
	name := fmt.Sprintf("%s/%s_schema.json", datasetID, tableID)
	if err := i.Storage.GetJSON(ctx, name, &raw); err != nil {
		return fmt.Errorf("reading schema %s: %w", name, err)
	}
	schema, err := bigquery.SchemaFromJSON(raw)
	if err != nil {
		return fmt.Errorf("decoding schema %s: %w", name, err)
	}
	uri := i.Storage.URI(fmt.Sprintf("%s/%s/*.parquet", datasetID, tableID))
	if err := i.Warehouse.LoadTable(ctx, datasetID, tableID, uri, schema); err != nil {
		return fmt.Errorf("loading %s.%s: %w", datasetID, tableID, err)
	}
	slog.Info("imported table", "dataset", datasetID, "table", tableID, "uri", uri)
	return nil
}

func (i *Importer) importExternalTables(ctx context.Context, datasetID string) error {
	var records []ExternalTableRecord
	if err := i.Storage.GetJSON(ctx, datasetID+"_external_tables.json", &records); err != nil {
		return fmt.Errorf("reading external tables of %s: %w", datasetID, err)
	}
	for _, rec := range records {
		md, err := ExternalTableMetadataFromRecord(rec)
		if err != nil {
			return err
		}
		if err := i.Warehouse.CreateTable(ctx, datasetID, rec.TableID, md); err != nil {
			return fmt.Errorf("creating external table %s.%s: %w", datasetID, rec.TableID, err)
		}
	}
	slog.Info("imported external tables", "dataset", datasetID, "count", len(records))
	return nil
}

func (i *Importer) importViews(ctx context.Context, datasetID string) error {
	var records []ViewRecord
	if err := i.Storage.GetJSON(ctx, datasetID+"_views.json", &records); err != nil {
		return fmt.Errorf("reading views of %s: %w", datasetID, err)
	}
	for _, rec := range records {
		if err := i.Warehouse.CreateTable(ctx, datasetID, rec.TableID, ViewMetadataFromRecord(rec)); err != nil {
			// One broken view does not block the rest of the dataset.
			slog.Error("creating view failed", "dataset", datasetID, "view", rec.TableID, "error", err)
			continue
		}
		slog.Info("imported view", "dataset", datasetID, "view", rec.TableID)
	}
	return nil
}

func (i *Importer) importRoutines(ctx context.Context, datasetID string) error {
	var records []RoutineRecord
	if err := i.Storage.GetJSON(ctx, datasetID+"_routines.json", &records); err != nil {
		return fmt.Errorf("reading routines of %s: %w", datasetID, err)
	}
	for _, rec := range records {
		if err := i.Warehouse.CreateRoutine(ctx, datasetID, rec.RoutineID, RoutineMetadataFromRecord(rec)); err != nil {
			return fmt.Errorf("creating routine %s.%s: %w", datasetID, rec.RoutineID, err)
		}
	}
	slog.Info("imported routines", "dataset", datasetID, "count", len(records))
	return nil
}

// importScheduledQueries recreates every persisted scheduled query in the
// run's configured region.
func (i *Importer) importScheduledQueries(ctx context.Context) error {
	var records []ScheduledQueryRecord
	if err := i.Storage.GetJSON(ctx, "scheduled_queries.json", &records); err != nil {
		return fmt.Errorf("reading scheduled queries: %w", err)
	}
	for _, rec := range records {
		tc, err := TransferConfigFromRecord(rec)
		if err != nil {
			return err
		}
		name, err := i.Transfers.CreateTransferConfig(ctx, i.Warehouse.ProjectID(), i.Region, tc)
		if err != nil {
			return fmt.Errorf("creating scheduled query %q: %w", rec.DisplayName, err)
		}
		slog.Info("created scheduled query", "name", name)
	}
	slog.Info("imported scheduled queries", "count", len(records))
	return nil
}
