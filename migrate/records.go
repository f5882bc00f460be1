package migrate

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/bigquery/datatransfer/apiv1/datatransferpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Records are the storage-safe representation of each object kind. They are
// what lands in the bucket, so field names and shapes are part of the
// persisted contract and must survive a round trip. All conversion
// functions here are pure; the pipelines do the I/O.

// RoutineArgument is one typed argument of a routine, order preserved.
type RoutineArgument struct {
	Name     string                        `json:"name"`
	DataType *bigquery.StandardSQLDataType `json:"data_type"`
	Mode     string                        `json:"mode"`
}

type RoutineRecord struct {
	RoutineID   string            `json:"routine_id"`
	Type        string            `json:"type"`
	Language    string            `json:"language"`
	Body        string            `json:"body"`
	Arguments   []RoutineArgument `json:"arguments"`
	Created     *string           `json:"created"`
	Modified    *string           `json:"modified"`
	Description string            `json:"description"`
}

type ViewRecord struct {
	TableID     string          `json:"table_id"`
	ViewQuery   string          `json:"view_query"`
	Description string          `json:"description"`
	Created     *string         `json:"created"`
	Modified    *string         `json:"modified"`
	Schema      json.RawMessage `json:"schema"`
}

// ExternalConfigRecord carries the source configuration of an external
// table. The schema travels next to it in the enclosing record.
type ExternalConfigRecord struct {
	SourceFormat        string   `json:"source_format"`
	SourceURIs          []string `json:"source_uris"`
	Compression         string   `json:"compression,omitempty"`
	AutoDetect          bool     `json:"autodetect"`
	IgnoreUnknownValues bool     `json:"ignore_unknown_values"`
	MaxBadRecords       int64    `json:"max_bad_records"`
	ConnectionID        string   `json:"connection_id,omitempty"`
}

type ExternalTableRecord struct {
	TableID                   string               `json:"table_id"`
	Schema                    json.RawMessage      `json:"schema"`
	ExternalDataConfiguration ExternalConfigRecord `json:"external_data_configuration"`
	Description               string               `json:"description"`
	Created                   *string              `json:"created"`
	Modified                  *string              `json:"modified"`
}

type ScheduleOptionsRecord struct {
	DisableAutoScheduling bool    `json:"disable_auto_scheduling"`
	StartTime             *string `json:"start_time"`
	EndTime               *string `json:"end_time"`
}

type EmailPreferencesRecord struct {
	EnableFailureEmail bool `json:"enable_failure_email"`
}

type ScheduledQueryRecord struct {
	Name                    string                  `json:"name"`
	DisplayName             string                  `json:"display_name"`
	DataSourceID            string                  `json:"data_source_id"`
	Params                  map[string]any          `json:"params"`
	ParamsQuery             string                  `json:"params_query"`
	Schedule                string                  `json:"schedule"`
	ScheduleOptions         *ScheduleOptionsRecord  `json:"schedule_options"`
	DestinationDatasetID    string                  `json:"destination_dataset_id"`
	Disabled                bool                    `json:"disabled"`
	UpdateTime              *string                 `json:"update_time"`
	NextRunTime             *string                 `json:"next_run_time"`
	State                   string                  `json:"state"`
	UserID                  int64                   `json:"user_id"`
	DatasetRegion           string                  `json:"dataset_region"`
	NotificationPubsubTopic string                  `json:"notification_pubsub_topic"`
	EmailPreferences        *EmailPreferencesRecord `json:"email_preferences"`
}

// SerializeRoutine converts live routine metadata into its record, with
// the owning project's qualifier stripped from the body.
func SerializeRoutine(projectID, routineID string, md *bigquery.RoutineMetadata) RoutineRecord {
	args := make([]RoutineArgument, 0, len(md.Arguments))
	for _, a := range md.Arguments {
		args = append(args, RoutineArgument{Name: a.Name, DataType: a.DataType, Mode: a.Mode})
	}
	return RoutineRecord{
		RoutineID:   routineID,
		Type:        md.Type,
		Language:    md.Language,
		Body:        StripProjectQualifier(md.Body, projectID),
		Arguments:   args,
		Created:     isoTime(md.CreationTime),
		Modified:    isoTime(md.LastModifiedTime),
		Description: md.Description,
	}
}

// RoutineMetadataFromRecord builds the construction spec for recreating a
// routine in the importing project.
func RoutineMetadataFromRecord(rec RoutineRecord) *bigquery.RoutineMetadata {
	args := make([]*bigquery.RoutineArgument, 0, len(rec.Arguments))
	for _, a := range rec.Arguments {
		args = append(args, &bigquery.RoutineArgument{Name: a.Name, DataType: a.DataType, Mode: a.Mode})
	}
	return &bigquery.RoutineMetadata{
		Type:        rec.Type,
		Language:    rec.Language,
		Body:        rec.Body,
		Arguments:   args,
		Description: rec.Description,
	}
}

func SerializeView(projectID, tableID string, md *bigquery.TableMetadata) (ViewRecord, error) {
	schema, err := schemaJSON(md.Schema)
	if err != nil {
		return ViewRecord{}, fmt.Errorf("encoding schema of view %s: %w", tableID, err)
	}
	return ViewRecord{
		TableID:     tableID,
		ViewQuery:   StripProjectQualifier(md.ViewQuery, projectID),
		Description: md.Description,
		Created:     isoTime(md.CreationTime),
		Modified:    isoTime(md.LastModifiedTime),
		Schema:      schema,
	}, nil
}

// ViewMetadataFromRecord builds the construction spec for recreating a
// view. The persisted schema is informational: BigQuery derives a view's
// schema from its query.
func ViewMetadataFromRecord(rec ViewRecord) *bigquery.TableMetadata {
	return &bigquery.TableMetadata{
		ViewQuery:   rec.ViewQuery,
		Description: rec.Description,
	}
}

func SerializeExternalTable(tableID string, md *bigquery.TableMetadata) (ExternalTableRecord, error) {
	cfg := md.ExternalDataConfig
	if cfg == nil {
		return ExternalTableRecord{}, fmt.Errorf("table %s has no external data configuration", tableID)
	}
	schema := md.Schema
	if len(schema) == 0 {
		schema = cfg.Schema
	}
	raw, err := schemaJSON(schema)
	if err != nil {
		return ExternalTableRecord{}, fmt.Errorf("encoding schema of external table %s: %w", tableID, err)
	}
	return ExternalTableRecord{
		TableID: tableID,
		Schema:  raw,
		ExternalDataConfiguration: ExternalConfigRecord{
			SourceFormat:        string(cfg.SourceFormat),
			SourceURIs:          cfg.SourceURIs,
			Compression:         string(cfg.Compression),
			AutoDetect:          cfg.AutoDetect,
			IgnoreUnknownValues: cfg.IgnoreUnknownValues,
			MaxBadRecords:       cfg.MaxBadRecords,
			ConnectionID:        cfg.ConnectionID,
		},
		Description: md.Description,
		Created:     isoTime(md.CreationTime),
		Modified:    isoTime(md.LastModifiedTime),
	}, nil
}

func ExternalTableMetadataFromRecord(rec ExternalTableRecord) (*bigquery.TableMetadata, error) {
	schema, err := bigquery.SchemaFromJSON(rec.Schema)
	if err != nil {
		return nil, fmt.Errorf("decoding schema of external table %s: %w", rec.TableID, err)
	}
	c := rec.ExternalDataConfiguration
	return &bigquery.TableMetadata{
		Description: rec.Description,
		ExternalDataConfig: &bigquery.ExternalDataConfig{
			SourceFormat:        bigquery.DataFormat(c.SourceFormat),
			SourceURIs:          c.SourceURIs,
			Schema:              schema,
			Compression:         bigquery.Compression(c.Compression),
			AutoDetect:          c.AutoDetect,
			IgnoreUnknownValues: c.IgnoreUnknownValues,
			MaxBadRecords:       c.MaxBadRecords,
			ConnectionID:        c.ConnectionID,
		},
	}, nil
}

// SerializeScheduledQuery converts a transfer config into its record. The
// params map is persisted in full, with the self-project qualifier stripped
// from params.query; params_query is a denormalized copy of that query.
func SerializeScheduledQuery(projectID string, tc *datatransferpb.TransferConfig) ScheduledQueryRecord {
	params := map[string]any{}
	if tc.GetParams() != nil {
		params = tc.GetParams().AsMap()
	}
	query, hasQuery := params["query"].(string)
	if hasQuery {
		query = StripProjectQualifier(query, projectID)
		params["query"] = query
	}
	rec := ScheduledQueryRecord{
		Name:                    tc.GetName(),
		DisplayName:             tc.GetDisplayName(),
		DataSourceID:            tc.GetDataSourceId(),
		Params:                  params,
		ParamsQuery:             query,
		Schedule:                tc.GetSchedule(),
		DestinationDatasetID:    tc.GetDestinationDatasetId(),
		Disabled:                tc.GetDisabled(),
		State:                   tc.GetState().String(),
		UserID:                  tc.GetUserId(),
		DatasetRegion:           tc.GetDatasetRegion(),
		NotificationPubsubTopic: tc.GetNotificationPubsubTopic(),
	}
	if t := tc.GetUpdateTime(); t != nil {
		rec.UpdateTime = isoTime(t.AsTime())
	}
	if t := tc.GetNextRunTime(); t != nil {
		rec.NextRunTime = isoTime(t.AsTime())
	}
	if so := tc.GetScheduleOptions(); so != nil {
		opts := &ScheduleOptionsRecord{DisableAutoScheduling: so.GetDisableAutoScheduling()}
		if t := so.GetStartTime(); t != nil {
			opts.StartTime = isoTime(t.AsTime())
		}
		if t := so.GetEndTime(); t != nil {
			opts.EndTime = isoTime(t.AsTime())
		}
		rec.ScheduleOptions = opts
	}
	if ep := tc.GetEmailPreferences(); ep != nil {
		rec.EmailPreferences = &EmailPreferencesRecord{EnableFailureEmail: ep.GetEnableFailureEmail()}
	}
	return rec
}

// TransferConfigFromRecord builds the config submitted on import. Only the
// fields the transfer service accepts at creation are carried over; name,
// timestamps, state and user belong to the source project's config.
func TransferConfigFromRecord(rec ScheduledQueryRecord) (*datatransferpb.TransferConfig, error) {
	params, err := structpb.NewStruct(map[string]any{"query": rec.ParamsQuery})
	if err != nil {
		return nil, fmt.Errorf("building params for scheduled query %q: %w", rec.DisplayName, err)
	}
	return &datatransferpb.TransferConfig{
		DisplayName:  rec.DisplayName,
		DataSourceId: rec.DataSourceID,
		Params:       params,
		Schedule:     rec.Schedule,
		Destination: &datatransferpb.TransferConfig_DestinationDatasetId{
			DestinationDatasetId: rec.DestinationDatasetID,
		},
		Disabled: rec.Disabled,
	}, nil
}

func schemaJSON(s bigquery.Schema) (json.RawMessage, error) {
	if len(s) == 0 {
		return json.RawMessage("[]"), nil
	}
	return s.ToJSONFields()
}

func isoTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
