package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/policy"
)

// ErrInvalidProfile is returned when an imported document cannot become a Profile.
var ErrInvalidProfile = errors.New("invalid profile document")

// ProfileRepository is the editor-side view of the rule store used by import.
type ProfileRepository interface {
	ListProfiles(ctx context.Context) ([]domain.Profile, error)
	SaveProfile(ctx context.Context, p domain.Profile) (int64, error)
}

// Document types. Fields are declared in key order so exports come out sorted.
type processDoc struct {
	Executable string `json:"executable"`
	Kind       string `json:"kind,omitempty"`
	Name       string `json:"name"`
	Path       string `json:"path"`
}

type conditionDoc struct {
	Name    string     `json:"name"`
	Order   int        `json:"order"`
	Process processDoc `json:"process"`
	Running bool       `json:"running"`
}

type gateDoc struct {
	Op    string `json:"op"`
	Order int    `json:"order"`
}

type taskDoc struct {
	Active                 bool           `json:"active"`
	AllowMultipleInstances bool           `json:"allow_multiple_instances"`
	Command                string         `json:"command"`
	Conditions             []conditionDoc `json:"conditions"`
	Cwd                    string         `json:"cwd"`
	Gates                  []gateDoc      `json:"gates"`
	Name                   string         `json:"name"`
	Process                processDoc     `json:"process"`
	Stop                   bool           `json:"stop"`
	WindowActive           bool           `json:"window_active"`
	WindowMinimized        bool           `json:"window_minimized"`
}

type profileDoc struct {
	Active    bool         `json:"active"`
	Name      string       `json:"name"`
	Processes []processDoc `json:"processes"`
	Tasks     []taskDoc    `json:"tasks"`
}

// ExportProfile writes p as indented JSON. Database ids are not exported.
func ExportProfile(w io.Writer, p domain.Profile) error {
	doc := profileDoc{
		Active:    p.Active,
		Name:      p.Name,
		Processes: make([]processDoc, 0, len(p.Processes)),
		Tasks:     make([]taskDoc, 0, len(p.Tasks)),
	}
	for _, proc := range p.Processes {
		doc.Processes = append(doc.Processes, toProcessDoc(proc, true))
	}
	for _, t := range p.Tasks {
		td := taskDoc{
			Active:                 t.Active,
			AllowMultipleInstances: t.AllowMultipleInstances,
			Command:                t.Command,
			Conditions:             make([]conditionDoc, 0, len(t.Conditions)),
			Cwd:                    t.Cwd,
			Gates:                  make([]gateDoc, 0, len(t.Gates)),
			Name:                   t.Name,
			Process:                toProcessDoc(t.Process, false),
			Stop:                   t.Stop,
			WindowActive:           t.WindowActive,
			WindowMinimized:        t.WindowMinimized,
		}
		for _, c := range policy.SortConditions(t.Conditions) {
			td.Conditions = append(td.Conditions, conditionDoc{
				Name:    c.Name,
				Order:   c.Order,
				Process: toProcessDoc(c.Process, false),
				Running: c.Running,
			})
		}
		for _, g := range policy.SortGates(t.Gates) {
			td.Gates = append(td.Gates, gateDoc{Op: string(g.Op), Order: g.Order})
		}
		doc.Tasks = append(doc.Tasks, td)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode profile %q: %w", p.Name, err)
	}
	return nil
}

func toProcessDoc(p domain.Process, withKind bool) processDoc {
	doc := processDoc{Executable: p.Executable, Name: p.Name, Path: p.Path}
	if withKind {
		doc.Kind = string(p.Kind)
	}
	return doc
}

// ReadProfile decodes a profile document. The result carries no ids.
func ReadProfile(r io.Reader) (domain.Profile, error) {
	var doc profileDoc
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return domain.Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if strings.TrimSpace(doc.Name) == "" {
		return domain.Profile{}, fmt.Errorf("%w: profile name is empty", ErrInvalidProfile)
	}

	p := domain.Profile{Name: doc.Name, Active: doc.Active}
	for _, pd := range doc.Processes {
		proc, err := fromProcessDoc(pd)
		if err != nil {
			return domain.Profile{}, err
		}
		p.Processes = append(p.Processes, proc)
	}

	for _, td := range doc.Tasks {
		target, err := fromProcessDoc(td.Process)
		if err != nil {
			return domain.Profile{}, err
		}
		if target.Executable == "" {
			return domain.Profile{}, fmt.Errorf("%w: task %q has no executable", ErrInvalidProfile, td.Name)
		}
		task := domain.Task{
			Name:                   td.Name,
			Active:                 td.Active,
			Stop:                   td.Stop,
			Command:                td.Command,
			Cwd:                    td.Cwd,
			WindowMinimized:        td.WindowMinimized,
			WindowActive:           td.WindowActive,
			AllowMultipleInstances: td.AllowMultipleInstances,
			Process:                target,
		}
		for _, cd := range td.Conditions {
			proc, err := fromProcessDoc(cd.Process)
			if err != nil {
				return domain.Profile{}, err
			}
			task.Conditions = append(task.Conditions, domain.Condition{
				Name:    cd.Name,
				Order:   cd.Order,
				Running: cd.Running,
				Process: proc,
			})
		}
		for _, gd := range td.Gates {
			op := domain.GateOp(strings.ToUpper(gd.Op))
			if op != domain.GateAnd && op != domain.GateOr {
				return domain.Profile{}, fmt.Errorf("%w: task %q has gate %q", ErrInvalidProfile, td.Name, gd.Op)
			}
			task.Gates = append(task.Gates, domain.Gate{Order: gd.Order, Op: op})
		}
		p.Tasks = append(p.Tasks, task)
	}
	return p, nil
}

func fromProcessDoc(doc processDoc) (domain.Process, error) {
	proc := domain.Process{Name: doc.Name, Executable: doc.Executable, Path: doc.Path}
	if doc.Kind != "" {
		kind, err := domain.ParseNotificationKind(doc.Kind)
		if err != nil {
			return domain.Process{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
		proc.Kind = kind
	}
	return proc, nil
}

// ImportOptions controls ProfileImporter.Import.
type ImportOptions struct {
	// DetectPaths replaces missing process directories with a known app's install location.
	DetectPaths bool
}

// ImportResult describes an imported profile.
type ImportResult struct {
	ProfileID int64
	Name      string   // May differ from the document when the name was taken
	Detected  []string // Known apps whose location was filled in
}

// ProfileImporter stores profile documents in the rule store.
type ProfileImporter struct {
	repo      ProfileRepository
	registry  *policy.Registry
	fsManager domain.FileSystemManager
	logger    *zap.Logger
}

// NewProfileImporter creates a new importer.
func NewProfileImporter(repo ProfileRepository, registry *policy.Registry, fs domain.FileSystemManager, logger *zap.Logger) *ProfileImporter {
	return &ProfileImporter{repo: repo, registry: registry, fsManager: fs, logger: logger}
}

// Import reads a document and saves it as a new profile with fresh ids.
// A taken name gets a numeric suffix.
func (pi *ProfileImporter) Import(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	p, err := ReadProfile(r)
	if err != nil {
		return nil, err
	}

	existing, err := pi.repo.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, e := range existing {
		taken[e.Name] = true
	}
	p.Name = uniqueName(p.Name, taken)

	result := &ImportResult{Name: p.Name}
	if opts.DetectPaths && pi.registry != nil {
		result.Detected = pi.detectPaths(&p)
	}

	id, err := pi.repo.SaveProfile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	result.ProfileID = id

	pi.logger.Info("profile imported",
		zap.String("profile", p.Name),
		zap.Int64("id", id),
		zap.Strings("detected", result.Detected))
	return result, nil
}

// detectPaths rewrites process directories that do not exist on this machine.
func (pi *ProfileImporter) detectPaths(p *domain.Profile) []string {
	seen := make(map[string]bool)
	var detected []string

	fix := func(proc *domain.Process) {
		if proc.Executable == "" || pi.fsManager.Exists(proc.ExecutablePath()) {
			return
		}
		dir, app, ok := pi.registry.Locate(proc.Executable, pi.fsManager)
		if !ok {
			return
		}
		pi.logger.Info("detected install location",
			zap.String("executable", proc.Executable),
			zap.String("app", app.Name()),
			zap.String("path", dir))
		proc.Path = dir
		if !seen[app.ID()] {
			seen[app.ID()] = true
			detected = append(detected, app.Name())
		}
	}

	for i := range p.Processes {
		fix(&p.Processes[i])
	}
	for i := range p.Tasks {
		fix(&p.Tasks[i].Process)
		for j := range p.Tasks[i].Conditions {
			fix(&p.Tasks[i].Conditions[j].Process)
		}
	}
	return detected
}

func uniqueName(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%02d", name, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

// ExampleProfile returns the sample profile offered to new users: it watches
// notepad and VS Code being started and the calculator exiting, and starts
// notepad minimized whenever it is not already running.
func ExampleProfile() domain.Profile {
	notepad := domain.Process{Name: "notepad.exe", Executable: "notepad.exe", Path: `C:\Windows\System32`}
	return domain.Profile{
		Name:   "Example Profile",
		Active: true,
		Processes: []domain.Process{
			{Name: "calc.exe", Executable: "calc.exe", Path: `C:\Windows\System32`, Kind: domain.KindDeletion},
			{Name: "notepad.exe", Executable: "notepad.exe", Path: `C:\Windows\System32`, Kind: domain.KindCreation},
			{Name: "code.exe", Executable: "code.exe", Path: `C:\Program Files\Microsoft VS Code`, Kind: domain.KindCreation},
		},
		Tasks: []domain.Task{{
			Name:            "Start Notepad",
			Active:          true,
			WindowMinimized: true,
			Process:         notepad,
			Conditions: []domain.Condition{
				{Name: "Notepad not running", Running: false, Process: notepad},
			},
		}},
	}
}
