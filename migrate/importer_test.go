package migrate

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedImportStorage(t *testing.T) *fakeStorage {
	t.Helper()
	ctx := context.Background()
	st := newFakeStorage()

	cfg := ProjectConfig{ProjectID: "src-proj", Datasets: []string{"sales"}}
	require.NoError(t, st.PutJSON(ctx, "src-proj_config.json", cfg))

	st.put("sales/orders/000000000000.parquet", []byte("pq"))
	schema, err := schemaJSON(bigquery.Schema{{Name: "id", Type: bigquery.IntegerFieldType}})
	require.NoError(t, err)
	require.NoError(t, st.PutJSON(ctx, "sales/orders_schema.json", schema))

	require.NoError(t, st.PutJSON(ctx, "sales_external_tables.json", []ExternalTableRecord{{
		TableID: "ext_raw",
		Schema:  schema,
		ExternalDataConfiguration: ExternalConfigRecord{
			SourceFormat: "CSV",
			SourceURIs:   []string{"gs://landing/*.csv"},
		},
	}}))
	require.NoError(t, st.PutJSON(ctx, "sales_views.json", []ViewRecord{
		{TableID: "v_orders", ViewQuery: "SELECT id FROM sales.orders", Schema: schema},
		{TableID: "v_totals", ViewQuery: "SELECT COUNT(*) FROM sales.orders", Schema: schema},
	}))
	require.NoError(t, st.PutJSON(ctx, "sales_routines.json", []RoutineRecord{{
		RoutineID: "fn_total", Type: "SCALAR_FUNCTION", Language: "SQL",
		Body: "(SELECT SUM(amount) FROM sales.orders)",
	}}))
	require.NoError(t, st.PutJSON(ctx, "scheduled_queries.json", []ScheduledQueryRecord{{
		DisplayName: "nightly", DataSourceID: "scheduled_query",
		ParamsQuery: "SELECT 1", Schedule: "every 24 hours",
		DestinationDatasetID: "sales",
	}}))
	return st
}

func runImport(t *testing.T, wh *fakeWarehouse, st *fakeStorage, tr *fakeTransfers) ([]TaskResult, *Progress) {
	t.Helper()
	ctx := context.Background()
	cfg, err := LoadConfig(ctx, st)
	require.NoError(t, err)
	catalog := &Catalog{Warehouse: wh, Storage: st}
	tasks, err := catalog.Tasks(ctx, cfg, nil, ModeImport)
	require.NoError(t, err)

	progress := NewProgress(len(tasks), nil)
	imp := &Importer{Warehouse: wh, Storage: st, Transfers: tr, Region: "EU", Progress: progress}
	results, err := imp.ImportProject(ctx, cfg, tasks)
	require.NoError(t, err)
	return results, progress
}

func TestLoadConfig(t *testing.T) {
	ctx := context.Background()

	st := seedImportStorage(t)
	cfg, err := LoadConfig(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "src-proj", cfg.ProjectID)

	empty := newFakeStorage()
	_, err = LoadConfig(ctx, empty)
	assert.ErrorContains(t, err, "no *_config.json")

	ambiguous := seedImportStorage(t)
	require.NoError(t, ambiguous.PutJSON(ctx, "other-proj_config.json", ProjectConfig{ProjectID: "other-proj"}))
	_, err = LoadConfig(ctx, ambiguous)
	assert.ErrorContains(t, err, "ambiguous")

	// Nested config-like names do not count as candidates.
	nested := seedImportStorage(t)
	nested.put("sales/extra_config.json", []byte("{}"))
	_, err = LoadConfig(ctx, nested)
	assert.NoError(t, err)
}

func TestImportProjectStageOrder(t *testing.T) {
	st := seedImportStorage(t)
	wh := newFakeWarehouse("dst-proj")
	tr := newFakeTransfers()

	results, progress := runImport(t, wh, st, tr)

	// 1 table + 3 dataset stages + scheduled queries.
	assert.Len(t, results, 5)
	for _, res := range results {
		assert.NoError(t, res.Err, res.Task.String())
	}
	assert.Equal(t, progress.Total(), progress.Done())

	assert.Equal(t, []string{"sales"}, wh.createdDatasets)
	assert.Equal(t,
		[]string{"load sales.orders <- gs://fake-bucket/sales/orders/*.parquet"},
		wh.eventsMatching("load "))

	// Loads drain before external tables, which precede views, which
	// precede routines.
	order := map[string]int{}
	for i, e := range wh.events {
		order[e] = i
	}
	assert.Less(t, order["load sales.orders <- gs://fake-bucket/sales/orders/*.parquet"], order["external sales.ext_raw"])
	assert.Less(t, order["external sales.ext_raw"], order["view sales.v_orders"])
	assert.Less(t, order["view sales.v_totals"], order["routine sales.fn_total"])

	require.Len(t, tr.created, 1)
	assert.Equal(t, "nightly", tr.created[0].GetDisplayName())
	assert.Equal(t, []string{"EU"}, tr.regions)
}

func TestImportDatasetEnsureFailure(t *testing.T) {
	st := seedImportStorage(t)
	wh := newFakeWarehouse("dst-proj")
	wh.ensureErr["sales"] = errors.New("no permission")
	tr := newFakeTransfers()

	results, progress := runImport(t, wh, st, tr)

	// Every dataset task fails without running; scheduled queries still run.
	assert.Len(t, results, 5)
	assert.Equal(t, progress.Total(), progress.Done())
	var failed int
	for _, res := range results {
		if res.Task.Kind == ComponentScheduledQueries {
			assert.NoError(t, res.Err)
			continue
		}
		assert.ErrorContains(t, res.Err, "dataset sales unavailable")
		failed++
	}
	assert.Equal(t, 4, failed)
	assert.Empty(t, wh.createdTables)
	assert.Len(t, tr.created, 1)
}

func TestImportViewFailureContinues(t *testing.T) {
	st := seedImportStorage(t)
	wh := newFakeWarehouse("dst-proj")
	wh.createErr["sales.v_orders"] = errors.New("invalid query")
	tr := newFakeTransfers()

	results, _ := runImport(t, wh, st, tr)

	// A broken view is logged and skipped; the stage itself succeeds and
	// the remaining views still land.
	for _, res := range results {
		assert.NoError(t, res.Err, res.Task.String())
	}
	assert.NotContains(t, wh.createdTables, "sales.v_orders")
	assert.Contains(t, wh.createdTables, "sales.v_totals")
}

func TestImportRoutineFailureFailsTask(t *testing.T) {
	st := seedImportStorage(t)
	wh := newFakeWarehouse("dst-proj")
	wh.createErr["sales.fn_total"] = errors.New("syntax error")
	tr := newFakeTransfers()

	results, progress := runImport(t, wh, st, tr)

	var routineRes *TaskResult
	for _, res := range results {
		if res.Task.Kind == ComponentRoutines {
			routineRes = &res
		}
	}
	require.NotNil(t, routineRes)
	assert.ErrorContains(t, routineRes.Err, "creating routine sales.fn_total")
	assert.Equal(t, progress.Total(), progress.Done())
}
