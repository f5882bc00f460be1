package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/bigquery"
)

// FallbackRegions is used for scheduled-query discovery when listing the
// project's dataset locations fails.
var FallbackRegions = []string{"US", "EU", "europe-north1"}

// Exporter writes a project's metadata and managed-table data into the
// storage gateway. Export tasks carry no ordering constraints between
// kinds, so everything shares one pool; only the scheduled-query export
// runs on the orchestrating goroutine, because the transfer service is
// walked per region sequentially.
type Exporter struct {
	Warehouse Warehouse
	Storage   Storage
	Transfers TransferService
	Mirror    Mirror
	Progress  *Progress
}

// SnapshotConfig captures the project config at export start. Datasets
// created after the snapshot are not part of the run.
func SnapshotConfig(ctx context.Context, wh Warehouse) (ProjectConfig, error) {
	datasets, err := wh.ListDatasets(ctx)
	if err != nil {
		return ProjectConfig{}, fmt.Errorf("listing datasets: %w", err)
	}
	return ProjectConfig{ProjectID: wh.ProjectID(), Datasets: datasets}, nil
}

func (e *Exporter) ExportProject(ctx context.Context, cfg ProjectConfig, tasks []Task, downloadAfterExport bool, localDir string) ([]TaskResult, error) {
	if err := e.Storage.PutJSON(ctx, cfg.ProjectID+"_config.json", cfg); err != nil {
		return nil, fmt.Errorf("saving project config: %w", err)
	}

	pool := NewPool(ctx, DefaultConcurrency, e.Progress)
	var scheduled *Task
	for _, task := range tasks {
		switch task.Kind {
		case ComponentRoutines:
			pool.Submit(task, func(ctx context.Context) error { return e.exportRoutines(ctx, task.Dataset) })
		case ComponentViews:
			pool.Submit(task, func(ctx context.Context) error { return e.exportViews(ctx, task.Dataset) })
		case ComponentExternalTables:
			pool.Submit(task, func(ctx context.Context) error { return e.exportExternalTables(ctx, task.Dataset) })
		case ComponentTables:
			pool.Submit(task, func(ctx context.Context) error { return e.exportTable(ctx, task.Dataset, task.Object) })
		case ComponentScheduledQueries:
			scheduled = &task
		}
	}

	var results []TaskResult
	if scheduled != nil {
		results = append(results, runTask(ctx, *scheduled, e.Progress, e.exportScheduledQueries))
	}
	results = append(results, pool.Wait()...)
	slog.Info("export completed", "project", cfg.ProjectID, "tasks", len(results))

	if downloadAfterExport {
		if e.Mirror == nil {
			return results, fmt.Errorf("download requested but no local mirror configured")
		}
		if err := e.Mirror.DownloadAll(ctx, localDir); err != nil {
			return results, fmt.Errorf("downloading exported objects: %w", err)
		}
		slog.Info("downloaded all exported objects", "dir", localDir)
	}
	return results, nil
}

func (e *Exporter) exportRoutines(ctx context.Context, datasetID string) error {
	ids, err := e.Warehouse.ListRoutines(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("listing routines in %s: %w", datasetID, err)
	}
	records := make([]RoutineRecord, 0, len(ids))
	for _, id := range ids {
		md, err := e.Warehouse.RoutineMetadata(ctx, datasetID, id)
		if err != nil {
			return fmt.Errorf("fetching routine %s.%s: %w", datasetID, id, err)
		}
		if md.Body == "" {
			slog.Warn("skipping routine with empty body", "dataset", datasetID, "routine", id)
			continue
		}
		rec := SerializeRoutine(e.Warehouse.ProjectID(), id, md)
		warnCrossProjectRefs("routine body", datasetID, id, rec.Body)
		records = append(records, rec)
	}
	if err := e.Storage.PutJSON(ctx, datasetID+"_routines.json", records); err != nil {
		return fmt.Errorf("writing routines of %s: %w", datasetID, err)
	}
	slog.Info("exported routines", "dataset", datasetID, "count", len(records))
	return nil
}

func (e *Exporter) exportViews(ctx context.Context, datasetID string) error {
	entries, err := e.Warehouse.ListTables(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("listing tables in %s: %w", datasetID, err)
	}
	records := make([]ViewRecord, 0)
	for _, entry := range entries {
		if entry.Type != bigquery.ViewTable {
			continue
		}
		md, err := e.Warehouse.TableMetadata(ctx, datasetID, entry.TableID)
		if err != nil {
			return fmt.Errorf("fetching view %s.%s: %w", datasetID, entry.TableID, err)
		}
		rec, err := SerializeView(e.Warehouse.ProjectID(), entry.TableID, md)
		if err != nil {
			return err
		}
		warnCrossProjectRefs("view query", datasetID, entry.TableID, rec.ViewQuery)
		records = append(records, rec)
	}
	if err := e.Storage.PutJSON(ctx, datasetID+"_views.json", records); err != nil {
		return fmt.Errorf("writing views of %s: %w", datasetID, err)
	}
	slog.Info("exported views", "dataset", datasetID, "count", len(records))
	return nil
}

func (e *Exporter) exportExternalTables(ctx context.Context, datasetID string) error {
	entries, err := e.Warehouse.ListTables(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("listing tables in %s: %w", datasetID, err)
	}
	records := make([]ExternalTableRecord, 0)
	for _, entry := range entries {
		if entry.Type != bigquery.ExternalTable {
			continue
		}
		md, err := e.Warehouse.TableMetadata(ctx, datasetID, entry.TableID)
		if err != nil {
			return fmt.Errorf("fetching external table %s.%s: %w", datasetID, entry.TableID, err)
		}
		rec, err := SerializeExternalTable(entry.TableID, md)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if err := e.Storage.PutJSON(ctx, datasetID+"_external_tables.json", records); err != nil {
		return fmt.Errorf("writing external tables of %s: %w", datasetID, err)
	}
	slog.Info("exported external tables", "dataset", datasetID, "count", len(records))
	return nil
}

// exportTable extracts a managed table's data as GZIP parquet directly into
// the bucket and writes its schema as a side record.
func (e *Exporter) exportTable(ctx context.Context, datasetID, tableID string) error {
	md, err := e.Warehouse.TableMetadata(ctx, datasetID, tableID)
	if err != nil {
		return fmt.Errorf("fetching table %s.%s: %w", datasetID, tableID, err)
	}
	dest := e.Storage.URI(fmt.Sprintf("%s/%s/*.parquet", datasetID, tableID))
	if err := e.Warehouse.ExtractTable(ctx, datasetID, tableID, dest); err != nil {
		return fmt.Errorf("extracting %s.%s: %w", datasetID, tableID, err)
	}
	schema, err := schemaJSON(md.Schema)
	if err != nil {
		return fmt.Errorf("encoding schema of %s.%s: %w", datasetID, tableID, err)
	}
	name := fmt.Sprintf("%s/%s_schema.json", datasetID, tableID)
	if err := e.Storage.PutJSON(ctx, name, schema); err != nil {
		return fmt.Errorf("writing schema of %s.%s: %w", datasetID, tableID, err)
	}
	slog.Info("exported table", "dataset", datasetID, "table", tableID, "uri", dest)
	return nil
}

// exportScheduledQueries walks every region with datasets once and writes a
// single scheduled_queries.json for the whole project. A region that fails
// to list is logged and skipped; the blob is written either way.
func (e *Exporter) exportScheduledQueries(ctx context.Context) error {
	regions := e.allRegions(ctx)
	all := make([]ScheduledQueryRecord, 0)
	for _, region := range regions {
		configs, err := e.Transfers.ListTransferConfigs(ctx, e.Warehouse.ProjectID(), region)
		if err != nil {
			slog.Error("listing scheduled queries failed", "region", region, "error", err)
			continue
		}
		count := 0
		for _, tc := range configs {
			if tc.GetDataSourceId() != "scheduled_query" {
				continue
			}
			rec := SerializeScheduledQuery(e.Warehouse.ProjectID(), tc)
			warnCrossProjectRefs("scheduled query", "", rec.DisplayName, rec.ParamsQuery)
			all = append(all, rec)
			count++
		}
		slog.Info("exported scheduled queries", "region", region, "count", count)
	}
	if err := e.Storage.PutJSON(ctx, "scheduled_queries.json", all); err != nil {
		return fmt.Errorf("writing scheduled queries: %w", err)
	}
	if len(all) == 0 {
		slog.Warn("no scheduled queries found in any region")
	}
	return nil
}

func (e *Exporter) allRegions(ctx context.Context) []string {
	datasets, err := e.Warehouse.ListDatasets(ctx)
	if err != nil {
		return fallbackRegions(err)
	}
	seen := make(map[string]struct{})
	var regions []string
	for _, id := range datasets {
		region, err := e.Warehouse.DatasetRegion(ctx, id)
		if err != nil {
			return fallbackRegions(err)
		}
		if _, ok := seen[region]; !ok {
			seen[region] = struct{}{}
			regions = append(regions, region)
		}
	}
	slog.Info("detected regions with datasets", "regions", strings.Join(regions, ","))
	return regions
}

func fallbackRegions(err error) []string {
	slog.Error("region discovery failed", "error", err)
	slog.Info("using fallback regions", "regions", strings.Join(FallbackRegions, ","))
	return FallbackRegions
}

func warnCrossProjectRefs(source, datasetID, objectID, text string) {
	if refs := CrossProjectRefs(text); len(refs) > 0 {
		slog.Warn("references other projects, ensure they exist before import",
			"source", source, "dataset", datasetID, "object", objectID,
			"projects", strings.Join(refs, ","))
	}
}
