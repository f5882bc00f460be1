package migrate

import (
	"context"
	"fmt"
	"strings"
)

// RunOptions mirrors the command surface shared by the CLI and the HTTP
// handler. An empty component list means everything.
type RunOptions struct {
	Mode                Mode
	Components          []Component
	DownloadAfterExport bool
	UploadBeforeImport  bool
	LocalDir            string
}

// TaskFailure is one failed task in a run report.
type TaskFailure struct {
	Kind    string `json:"kind"`
	Dataset string `json:"dataset,omitempty"`
	Object  string `json:"object,omitempty"`
	Error   string `json:"error"`
}

// RunReport summarizes a finished run. A run with per-task failures still
// counts as completed; the log and the failure list hold the detail.
type RunReport struct {
	Mode      Mode          `json:"mode"`
	ProjectID string        `json:"project_id"`
	Total     int           `json:"total_tasks"`
	Failed    int           `json:"failed_tasks"`
	Failures  []TaskFailure `json:"failures,omitempty"`
}

// Runner wires the catalog, the scheduler and the pipelines over the
// shared service handles for one run at a time.
type Runner struct {
	Warehouse  Warehouse
	Storage    Storage
	Transfers  TransferService
	Mirror     Mirror
	Region     string
	OnProgress func(done, total int64)
}

func (r *Runner) Run(ctx context.Context, opts RunOptions) (RunReport, error) {
	components := opts.Components
	if len(components) == 0 {
		components = AllComponents()
	}
	if err := validateComponents(components); err != nil {
		return RunReport{}, err
	}

	catalog := &Catalog{Warehouse: r.Warehouse, Storage: r.Storage}

	switch opts.Mode {
	case ModeExport:
		cfg, err := SnapshotConfig(ctx, r.Warehouse)
		if err != nil {
			return RunReport{}, err
		}
		tasks, err := catalog.Tasks(ctx, cfg, components, ModeExport)
		if err != nil {
			return RunReport{}, err
		}
		exp := &Exporter{
			Warehouse: r.Warehouse,
			Storage:   r.Storage,
			Transfers: r.Transfers,
			Mirror:    r.Mirror,
			Progress:  NewProgress(len(tasks), r.OnProgress),
		}
		results, err := exp.ExportProject(ctx, cfg, tasks, opts.DownloadAfterExport, opts.LocalDir)
		if err != nil {
			return RunReport{}, err
		}
		return report(opts.Mode, cfg.ProjectID, len(tasks), results), nil

	case ModeImport:
		if opts.UploadBeforeImport {
			if r.Mirror == nil {
				return RunReport{}, fmt.Errorf("upload requested but no local mirror configured")
			}
			if err := r.Mirror.UploadAll(ctx, opts.LocalDir); err != nil {
				return RunReport{}, fmt.Errorf("uploading local mirror: %w", err)
			}
		}
		cfg, err := LoadConfig(ctx, r.Storage)
		if err != nil {
			return RunReport{}, err
		}
		tasks, err := catalog.Tasks(ctx, cfg, components, ModeImport)
		if err != nil {
			return RunReport{}, err
		}
		imp := &Importer{
			Warehouse: r.Warehouse,
			Storage:   r.Storage,
			Transfers: r.Transfers,
			Region:    r.Region,
			Progress:  NewProgress(len(tasks), r.OnProgress),
		}
		results, err := imp.ImportProject(ctx, cfg, tasks)
		if err != nil {
			return RunReport{}, err
		}
		return report(opts.Mode, r.Warehouse.ProjectID(), len(tasks), results), nil

	default:
		return RunReport{}, fmt.Errorf("unknown mode %q", opts.Mode)
	}
}

// ParseComponents parses a comma-separated component list. An empty string
// selects every component.
func ParseComponents(s string) ([]Component, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Component
	for _, part := range strings.Split(s, ",") {
		c := Component(strings.TrimSpace(part))
		if c == "" {
			continue
		}
		out = append(out, c)
	}
	if err := validateComponents(out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateComponents(components []Component) error {
	valid := componentSet(AllComponents())
	for _, c := range components {
		if !valid[c] {
			return fmt.Errorf("unknown component %q", c)
		}
	}
	return nil
}

func report(mode Mode, projectID string, total int, results []TaskResult) RunReport {
	rep := RunReport{Mode: mode, ProjectID: projectID, Total: total}
	for _, res := range results {
		if res.Err != nil {
			rep.Failed++
			rep.Failures = append(rep.Failures, TaskFailure{
				Kind:    string(res.Task.Kind),
				Dataset: res.Task.Dataset,
				Object:  res.Task.Object,
				Error:   res.Err.Error(),
			})
		}
	}
	return rep
}
