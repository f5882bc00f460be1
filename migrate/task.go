package migrate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/bigquery"
)

// Task is one unit of scheduling work. Object is only set for per-table
// tasks; the global scheduled-query task carries neither dataset nor
// object. Tasks within a kind and dataset are independent.
type Task struct {
	Kind    Component
	Dataset string
	Object  string
}

func (t Task) String() string {
	switch {
	case t.Object != "":
		return fmt.Sprintf("%s %s.%s", t.Kind, t.Dataset, t.Object)
	case t.Dataset != "":
		return fmt.Sprintf("%s %s", t.Kind, t.Dataset)
	default:
		return string(t.Kind)
	}
}

// TaskResult records the outcome of one task. Err is nil on success.
type TaskResult struct {
	Task Task
	Err  error
}

// Catalog enumerates the work implied by a project config and a requested
// component set. The task count shown as the static progress denominator
// is the length of the same enumeration the pipelines execute, so the two
// cannot diverge even when the run later fails partway.
type Catalog struct {
	Warehouse Warehouse
	Storage   Storage
}

// Tasks lists the run's work: one task per dataset for routines, views and
// external tables, one per managed table, and one global task covering
// scheduled queries across all regions.
func (c *Catalog) Tasks(ctx context.Context, cfg ProjectConfig, components []Component, mode Mode) ([]Task, error) {
	want := componentSet(components)
	var tasks []Task
	for _, dataset := range cfg.Datasets {
		if want[ComponentTables] {
			ids, err := c.tableIDs(ctx, dataset, mode)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				tasks = append(tasks, Task{Kind: ComponentTables, Dataset: dataset, Object: id})
			}
		}
		for _, kind := range []Component{ComponentExternalTables, ComponentViews, ComponentRoutines} {
			if want[kind] {
				tasks = append(tasks, Task{Kind: kind, Dataset: dataset})
			}
		}
	}
	if want[ComponentScheduledQueries] {
		tasks = append(tasks, Task{Kind: ComponentScheduledQueries})
	}
	return tasks, nil
}

// Count is the static progress denominator for a run.
func (c *Catalog) Count(ctx context.Context, cfg ProjectConfig, components []Component, mode Mode) (int, error) {
	tasks, err := c.Tasks(ctx, cfg, components, mode)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

func (c *Catalog) tableIDs(ctx context.Context, datasetID string, mode Mode) ([]string, error) {
	if mode == ModeExport {
		entries, err := c.Warehouse.ListTables(ctx, datasetID)
		if err != nil {
			return nil, fmt.Errorf("listing tables in %s: %w", datasetID, err)
		}
		var ids []string
		for _, e := range entries {
			if e.Type == bigquery.RegularTable {
				ids = append(ids, e.TableID)
			}
		}
		return ids, nil
	}
	return StoredTableIDs(ctx, c.Storage, datasetID)
}

// StoredTableIDs discovers the managed tables previously exported for a
// dataset from the {dataset}/{table}/*.parquet object prefixes.
func StoredTableIDs(ctx context.Context, storage Storage, datasetID string) ([]string, error) {
	names, err := storage.ListNames(ctx, datasetID+"/")
	if err != nil {
		return nil, fmt.Errorf("listing stored objects of %s: %w", datasetID, err)
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, name := range names {
		if !strings.HasSuffix(name, ".parquet") {
			continue
		}
		parts := strings.Split(name, "/")
		if len(parts) < 3 {
			continue
		}
		if _, ok := seen[parts[1]]; !ok {
			seen[parts[1]] = struct{}{}
			ids = append(ids, parts[1])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func componentSet(components []Component) map[Component]bool {
	if len(components) == 0 {
		components = AllComponents()
	}
	set := make(map[Component]bool, len(components))
	for _, c := range components {
		set[c] = true
	}
	return set
}
