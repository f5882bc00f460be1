package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/bigquery/datatransfer/apiv1/datatransferpb"
)

// fakeWarehouse is an in-memory Warehouse. It records every mutation in an
// ordered event log so tests can assert stage ordering.
type fakeWarehouse struct {
	mu          sync.Mutex
	projectID   string
	datasets    []string
	regions     map[string]string
	tables      map[string][]TableEntry
	tableMeta   map[string]*bigquery.TableMetadata
	routines    map[string][]string
	routineMeta map[string]*bigquery.RoutineMetadata

	regionErr  map[string]error
	ensureErr  map[string]error
	extractErr map[string]error
	loadErr    map[string]error
	createErr  map[string]error

	// sink, when set, receives a parquet marker blob for every extract so
	// a later import run can discover the table.
	sink *fakeStorage

	events          []string
	createdDatasets []string
	createdTables   map[string]*bigquery.TableMetadata
	createdRoutines map[string]*bigquery.RoutineMetadata
}

func newFakeWarehouse(projectID string) *fakeWarehouse {
	return &fakeWarehouse{
		projectID:       projectID,
		regions:         map[string]string{},
		tables:          map[string][]TableEntry{},
		tableMeta:       map[string]*bigquery.TableMetadata{},
		routines:        map[string][]string{},
		routineMeta:     map[string]*bigquery.RoutineMetadata{},
		regionErr:       map[string]error{},
		ensureErr:       map[string]error{},
		extractErr:      map[string]error{},
		loadErr:         map[string]error{},
		createErr:       map[string]error{},
		createdTables:   map[string]*bigquery.TableMetadata{},
		createdRoutines: map[string]*bigquery.RoutineMetadata{},
	}
}

func (f *fakeWarehouse) log(format string, args ...any) {
	f.events = append(f.events, fmt.Sprintf(format, args...))
}

func (f *fakeWarehouse) ProjectID() string { return f.projectID }

func (f *fakeWarehouse) ListDatasets(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.datasets...), nil
}

func (f *fakeWarehouse) DatasetRegion(_ context.Context, datasetID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.regionErr[datasetID]; err != nil {
		return "", err
	}
	return f.regions[datasetID], nil
}

func (f *fakeWarehouse) EnsureDataset(_ context.Context, datasetID, region string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureErr[datasetID]; err != nil {
		return err
	}
	f.createdDatasets = append(f.createdDatasets, datasetID)
	f.log("ensure %s", datasetID)
	return nil
}

func (f *fakeWarehouse) ListTables(_ context.Context, datasetID string) ([]TableEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TableEntry(nil), f.tables[datasetID]...), nil
}

func (f *fakeWarehouse) TableMetadata(_ context.Context, datasetID, tableID string) (*bigquery.TableMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, ok := f.tableMeta[datasetID+"."+tableID]
	if !ok {
		return nil, fmt.Errorf("table %s.%s not found", datasetID, tableID)
	}
	return md, nil
}

func (f *fakeWarehouse) CreateTable(_ context.Context, datasetID, tableID string, md *bigquery.TableMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := datasetID + "." + tableID
	if err := f.createErr[key]; err != nil {
		return err
	}
	f.createdTables[key] = md
	if md.ViewQuery != "" {
		f.log("view %s", key)
	} else {
		f.log("external %s", key)
	}
	return nil
}

func (f *fakeWarehouse) ListRoutines(_ context.Context, datasetID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.routines[datasetID]...), nil
}

func (f *fakeWarehouse) RoutineMetadata(_ context.Context, datasetID, routineID string) (*bigquery.RoutineMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, ok := f.routineMeta[datasetID+"."+routineID]
	if !ok {
		return nil, fmt.Errorf("routine %s.%s not found", datasetID, routineID)
	}
	return md, nil
}

func (f *fakeWarehouse) CreateRoutine(_ context.Context, datasetID, routineID string, md *bigquery.RoutineMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := datasetID + "." + routineID
	if err := f.createErr[key]; err != nil {
		return err
	}
	f.createdRoutines[key] = md
	f.log("routine %s", key)
	return nil
}

func (f *fakeWarehouse) ExtractTable(_ context.Context, datasetID, tableID, destinationURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := datasetID + "." + tableID
	if err := f.extractErr[key]; err != nil {
		return err
	}
	f.log("extract %s -> %s", key, destinationURI)
	if f.sink != nil {
		path := strings.TrimPrefix(destinationURI, "gs://fake-bucket/")
		f.sink.put(strings.Replace(path, "*", "000000000000", 1), []byte("pq"))
	}
	return nil
}

func (f *fakeWarehouse) LoadTable(_ context.Context, datasetID, tableID, sourceURI string, _ bigquery.Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := datasetID + "." + tableID
	if err := f.loadErr[key]; err != nil {
		return err
	}
	f.log("load %s <- %s", key, sourceURI)
	return nil
}

// eventsMatching returns the logged events with the given prefix, in order.
func (f *fakeWarehouse) eventsMatching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// fakeStorage is an in-memory Storage keyed by blob name.
type fakeStorage struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	putErr map[string]error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{blobs: map[string][]byte{}, putErr: map[string]error{}}
}

func (f *fakeStorage) PutJSON(_ context.Context, name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.putErr[name]; err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.blobs[name] = data
	return nil
}

func (f *fakeStorage) GetJSON(_ context.Context, name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[name]
	if !ok {
		return fmt.Errorf("blob %s not found", name)
	}
	return json.Unmarshal(data, v)
}

func (f *fakeStorage) ListNames(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeStorage) URI(path string) string {
	return "gs://fake-bucket/" + path
}

// put stores a raw blob, for seeding parquet markers that are not JSON.
func (f *fakeStorage) put(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[name] = data
}

// fakeTransfers is an in-memory TransferService with per-region configs.
type fakeTransfers struct {
	mu      sync.Mutex
	configs map[string][]*datatransferpb.TransferConfig
	listErr map[string]error
	created []*datatransferpb.TransferConfig
	regions []string
}

func newFakeTransfers() *fakeTransfers {
	return &fakeTransfers{
		configs: map[string][]*datatransferpb.TransferConfig{},
		listErr: map[string]error{},
	}
}

func (f *fakeTransfers) ListTransferConfigs(_ context.Context, _, region string) ([]*datatransferpb.TransferConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[region]; err != nil {
		return nil, err
	}
	return append([]*datatransferpb.TransferConfig(nil), f.configs[region]...), nil
}

func (f *fakeTransfers) CreateTransferConfig(_ context.Context, projectID, region string, tc *datatransferpb.TransferConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, tc)
	f.regions = append(f.regions, region)
	return fmt.Sprintf("projects/%s/locations/%s/transferConfigs/%d", projectID, region, len(f.created)), nil
}
