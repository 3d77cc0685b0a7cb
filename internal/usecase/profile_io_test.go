package usecase

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/policy"
)

// mockProfileRepo implements ProfileRepository for testing
type mockProfileRepo struct {
	profiles []domain.Profile
	saveErr  error
	saved    []domain.Profile
}

func (m *mockProfileRepo) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	return m.profiles, nil
}

func (m *mockProfileRepo) SaveProfile(ctx context.Context, p domain.Profile) (int64, error) {
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	m.saved = append(m.saved, p)
	return int64(100 + len(m.saved)), nil
}

// stubApp is a KnownApp with fixed values.
type stubApp struct{ dir string }

func (s stubApp) ID() string            { return "stub" }
func (s stubApp) Name() string          { return "Stub App" }
func (s stubApp) Executables() []string { return []string{"stub.exe"} }
func (s stubApp) InstallDirs() []string { return []string{s.dir} }

func sampleTaskProfile() domain.Profile {
	return domain.Profile{
		ID: 7, Name: "gaming", Active: true,
		Processes: []domain.Process{
			{ID: 1, Name: "game", Executable: "game.exe", Path: "/games", Kind: domain.KindCreation},
			{ID: 2, Name: "launcher", Executable: "launcher.exe", Path: "/games", Kind: domain.KindDeletion},
		},
		Tasks: []domain.Task{{
			ID: 3, Name: "overlay", Active: true,
			Command: `--mode "full screen"`, Cwd: "~/overlay",
			WindowMinimized: true, AllowMultipleInstances: true,
			Process: domain.Process{ID: 4, Name: "overlay", Executable: "overlay.exe", Path: "/tools"},
			Conditions: []domain.Condition{
				{ID: 9, Name: "c", Order: 2, Running: true, Process: domain.Process{Executable: "c.exe", Path: "/x"}},
				{ID: 8, Name: "a", Order: 0, Running: false, Process: domain.Process{Executable: "a.exe", Path: "/x"}},
				{ID: 10, Name: "b", Order: 1, Running: true, Process: domain.Process{Executable: "b.exe", Path: "/x"}},
			},
			Gates: []domain.Gate{
				{ID: 5, Order: 1, Op: domain.GateAnd},
				{ID: 6, Order: 0, Op: domain.GateOr},
			},
		}},
	}
}

func TestExportImport_RoundTripKeepsOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportProfile(&buf, sampleTaskProfile()))

	p, err := ReadProfile(&buf)
	require.NoError(t, err)

	assert.Zero(t, p.ID, "ids are not carried over")
	assert.Equal(t, "gaming", p.Name)
	require.Len(t, p.Processes, 2)
	assert.Equal(t, domain.KindDeletion, p.Processes[1].Kind)

	require.Len(t, p.Tasks, 1)
	task := p.Tasks[0]
	assert.Zero(t, task.ID)
	assert.Equal(t, `--mode "full screen"`, task.Command)
	assert.True(t, task.AllowMultipleInstances)
	assert.Equal(t, domain.WindowMinimizedInactive, task.WindowMode())

	var names []string
	for _, c := range task.Conditions {
		names = append(names, c.Name)
		assert.Zero(t, c.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Equal(t, []domain.Gate{{Order: 0, Op: domain.GateOr}, {Order: 1, Op: domain.GateAnd}}, task.Gates)
}

func TestExportProfile_SortedIndentedKeys(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportProfile(&buf, sampleTaskProfile()))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "{\n    \"active\": true,\n    \"name\": \"gaming\",\n    \"processes\""))
	assert.Less(t, strings.Index(out, `"allow_multiple_instances"`), strings.Index(out, `"command"`))
	assert.Less(t, strings.Index(out, `"stop"`), strings.Index(out, `"window_active"`))
	assert.NotContains(t, out, `"id"`)
}

func TestReadProfile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"empty name", `{"name": "  "}`},
		{"unknown field", `{"name": "x", "colour": "red"}`},
		{"bad kind", `{"name": "x", "processes": [{"executable": "a.exe", "kind": "Spawn"}]}`},
		{"bad gate", `{"name": "x", "tasks": [{"name": "t", "process": {"executable": "a.exe"}, "gates": [{"op": "XOR"}]}]}`},
		{"task without executable", `{"name": "x", "tasks": [{"name": "t"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadProfile(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidProfile)
		})
	}
}

func TestReadProfile_LowercaseGateAndKind(t *testing.T) {
	doc := `{"name": "x", "processes": [{"executable": "a.exe", "kind": "deletion"}],
		"tasks": [{"name": "t", "process": {"executable": "b.exe"}, "gates": [{"op": "or", "order": 0}]}]}`
	p, err := ReadProfile(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, domain.KindDeletion, p.Processes[0].Kind)
	assert.Equal(t, domain.GateOr, p.Tasks[0].Gates[0].Op)
}

func TestProfileImporter_Import(t *testing.T) {
	repo := &mockProfileRepo{}
	importer := NewProfileImporter(repo, nil, &mockFileSystemManager{}, zap.NewNop())

	var buf bytes.Buffer
	require.NoError(t, ExportProfile(&buf, sampleTaskProfile()))

	result, err := importer.Import(context.Background(), &buf, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(101), result.ProfileID)
	assert.Equal(t, "gaming", result.Name)
	require.Len(t, repo.saved, 1)
	assert.Len(t, repo.saved[0].Tasks[0].Conditions, 3)
}

func TestProfileImporter_NameTaken(t *testing.T) {
	repo := &mockProfileRepo{profiles: []domain.Profile{{Name: "gaming"}, {Name: "gaming_01"}}}
	importer := NewProfileImporter(repo, nil, &mockFileSystemManager{}, zap.NewNop())

	result, err := importer.Import(context.Background(), strings.NewReader(`{"name": "gaming"}`), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gaming_02", result.Name)
	assert.Equal(t, "gaming_02", repo.saved[0].Name)
}

func TestProfileImporter_DetectPaths(t *testing.T) {
	repo := &mockProfileRepo{}
	installed := "/opt/stub"
	fs := &mockFileSystemManager{missing: map[string]bool{
		filepath.Join("/old/place", "stub.exe"): true,
	}}
	registry := policy.NewRegistryWithApps(stubApp{dir: installed})
	importer := NewProfileImporter(repo, registry, fs, zap.NewNop())

	doc := `{"name": "x",
		"processes": [{"executable": "stub.exe", "path": "/old/place", "kind": "Creation"}],
		"tasks": [{"name": "t", "process": {"executable": "stub.exe", "path": "/old/place"}}]}`

	result, err := importer.Import(context.Background(), strings.NewReader(doc), ImportOptions{DetectPaths: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Stub App"}, result.Detected)

	saved := repo.saved[0]
	assert.Equal(t, installed, saved.Processes[0].Path)
	assert.Equal(t, installed, saved.Tasks[0].Process.Path)
}

func TestProfileImporter_DetectPathsKeepsValidPaths(t *testing.T) {
	repo := &mockProfileRepo{}
	registry := policy.NewRegistryWithApps(stubApp{dir: "/opt/stub"})
	importer := NewProfileImporter(repo, registry, &mockFileSystemManager{}, zap.NewNop())

	doc := `{"name": "x", "processes": [{"executable": "stub.exe", "path": "/mine"}]}`
	result, err := importer.Import(context.Background(), strings.NewReader(doc), ImportOptions{DetectPaths: true})
	require.NoError(t, err)
	assert.Empty(t, result.Detected)
	assert.Equal(t, "/mine", repo.saved[0].Processes[0].Path)
}

func TestProfileImporter_SaveError(t *testing.T) {
	repo := &mockProfileRepo{saveErr: errors.New("UNIQUE constraint failed")}
	importer := NewProfileImporter(repo, nil, &mockFileSystemManager{}, zap.NewNop())

	_, err := importer.Import(context.Background(), strings.NewReader(`{"name": "x"}`), ImportOptions{})
	assert.ErrorContains(t, err, "failed to save profile")
}

func TestExampleProfile(t *testing.T) {
	p := ExampleProfile()
	assert.True(t, p.Active)
	assert.Len(t, p.Processes, 3)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, domain.WindowMinimizedInactive, p.Tasks[0].WindowMode())

	var buf bytes.Buffer
	require.NoError(t, ExportProfile(&buf, p))
	back, err := ReadProfile(&buf)
	require.NoError(t, err)
	assert.Equal(t, p.Name, back.Name)
}
