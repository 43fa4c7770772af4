package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/caf-audit/cafsync/internal/document"
	"github.com/caf-audit/cafsync/internal/domain"
	"github.com/caf-audit/cafsync/internal/repository"
	"github.com/caf-audit/cafsync/internal/versionstore"
)

type stubSnapshots struct {
	labels []string
	err    error
}

func (s stubSnapshots) List(context.Context) ([]string, error) {
	return s.labels, s.err
}

// stubDetector returns canned changes keyed by entity type and records
// which keys were offered for column refinement.
type stubDetector struct {
	changes     map[string][]domain.EntityChange
	errs        map[string]error
	columns     map[string][]domain.ColumnChange
	columnsErr  error
	refinedKeys []string
}

func (s *stubDetector) Detect(_ context.Context, from, to string, cfg domain.EntityConfig, _ int) ([]domain.EntityChange, error) {
	if err := s.errs[cfg.Name]; err != nil {
		return nil, err
	}
	var matched []domain.EntityChange
	for _, change := range s.changes[cfg.Name] {
		if change.SnapshotFrom == from && change.SnapshotTo == to {
			matched = append(matched, change)
		}
	}
	return matched, nil
}

func (s *stubDetector) ChangedColumns(_ context.Context, _, _ string, _ domain.EntityConfig, key string) ([]domain.ColumnChange, error) {
	s.refinedKeys = append(s.refinedKeys, key)
	if s.columnsErr != nil {
		return nil, s.columnsErr
	}
	return s.columns[key], nil
}

// stubBuilder returns canned documents keyed by (logical id, snapshot).
type stubBuilder struct {
	docs map[string]domain.Document
}

func buildKey(logicalID, snapshot string) string {
	return logicalID + "@" + snapshot
}

func (s *stubBuilder) Build(_ context.Context, cfg domain.EntityConfig, logicalID, snapshot string) (domain.Document, error) {
	doc, ok := s.docs[buildKey(logicalID, snapshot)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s in %s", document.ErrNotFound, cfg.Name, logicalID, snapshot)
	}
	return doc.Clone(), nil
}

// memoryVersionRepo duplicates the writer's in-memory chain behavior for
// end-to-end runner tests.
type memoryVersionRepo struct {
	chains map[string][]domain.VersionedDocument
}

func newMemoryVersionRepo() *memoryVersionRepo {
	return &memoryVersionRepo{chains: map[string][]domain.VersionedDocument{}}
}

func (m *memoryVersionRepo) key(entityType, logicalID string) string {
	return entityType + "/" + logicalID
}

func (m *memoryVersionRepo) FindLatest(_ context.Context, entityType, logicalID string) (domain.VersionedDocument, error) {
	chain := m.chains[m.key(entityType, logicalID)]
	if len(chain) == 0 {
		return domain.VersionedDocument{}, repository.ErrNoVersions
	}
	return chain[len(chain)-1], nil
}

func (m *memoryVersionRepo) Insert(_ context.Context, doc domain.VersionedDocument) (domain.VersionedDocument, error) {
	key := m.key(doc.EntityType, doc.LogicalID)
	m.chains[key] = append(m.chains[key], doc)
	return doc, nil
}

func (m *memoryVersionRepo) ListVersions(_ context.Context, entityType, logicalID string) ([]domain.VersionedDocument, error) {
	return m.chains[m.key(entityType, logicalID)], nil
}

func (m *memoryVersionRepo) CountByEntityType(_ context.Context, entityType string) (int64, error) {
	var count int64
	for _, chain := range m.chains {
		for _, doc := range chain {
			if doc.EntityType == entityType {
				count++
			}
		}
	}
	return count, nil
}

func testEntityConfig(name string) domain.EntityConfig {
	return domain.EntityConfig{
		Name:           name,
		Table:          "S_UNIDADE_FAMILIAR",
		PrimaryKey:     "id_unidade_familiar",
		AuditColumn:    "dt_atualizacao",
		LogicalIDField: "idUnidadeFamiliar",
	}
}

func updateChange(entityType, key, from, to string) domain.EntityChange {
	return domain.EntityChange{
		EntityType:   entityType,
		PrimaryKey:   key,
		Kind:         domain.ChangeUpdate,
		SnapshotFrom: from,
		SnapshotTo:   to,
	}
}

func runOnce(t *testing.T, detector *stubDetector, builder *stubBuilder, repo *memoryVersionRepo, entities []domain.EntityConfig) domain.RunReport {
	t.Helper()
	runner := NewRunner(
		stubSnapshots{labels: []string{"caf_20250601", "caf_20250701"}},
		detector, builder, versionstore.NewWriter(repo), entities, 0,
	)
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	return report
}

// Scenario: only the audit timestamp moved, so the candidate is detected but
// the equivalence checker classifies it as unchanged.
func TestRunTimestampOnlyDriftIsIgnored(t *testing.T) {
	cfg := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()
	ctx := context.Background()

	persisted := domain.Document{
		"idUnidadeFamiliar":       "E1",
		"possuiMaoObraContratada": false,
		"dataAtualizacao":         "2025-06-01T10:00:00",
	}
	if _, err := versionstore.NewWriter(repo).Write(ctx, cfg.Name, "E1", "caf_20250601", persisted); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	drifted := persisted.Clone()
	drifted["dataAtualizacao"] = "2025-07-01T08:00:00"

	detector := &stubDetector{changes: map[string][]domain.EntityChange{
		cfg.Name: {updateChange(cfg.Name, "E1", "caf_20250601", "caf_20250701")},
	}}
	builder := &stubBuilder{docs: map[string]domain.Document{
		buildKey("E1", "caf_20250701"): drifted,
	}}

	report := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})

	totals := report.Totals()
	if totals.Ignored != 1 || totals.Inserted != 0 || totals.Versioned != 0 {
		t.Fatalf("expected one IGNORED outcome, got %+v", totals)
	}
	if len(repo.chains[repo.key(cfg.Name, "E1")]) != 1 {
		t.Fatalf("no new version must be persisted")
	}
}

// Scenario: a mapped field flipped, so a new version is appended.
func TestRunRealChangeIsVersioned(t *testing.T) {
	cfg := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()
	ctx := context.Background()

	persisted := domain.Document{"idUnidadeFamiliar": "E1", "possuiMaoObraContratada": false}
	if _, err := versionstore.NewWriter(repo).Write(ctx, cfg.Name, "E1", "caf_20250601", persisted); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	changed := domain.Document{"idUnidadeFamiliar": "E1", "possuiMaoObraContratada": true}
	detector := &stubDetector{changes: map[string][]domain.EntityChange{
		cfg.Name: {updateChange(cfg.Name, "E1", "caf_20250601", "caf_20250701")},
	}}
	builder := &stubBuilder{docs: map[string]domain.Document{
		buildKey("E1", "caf_20250701"): changed,
	}}

	report := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})

	if totals := report.Totals(); totals.Versioned != 1 {
		t.Fatalf("expected one VERSIONED outcome, got %+v", totals)
	}

	chain := repo.chains[repo.key(cfg.Name, "E1")]
	if len(chain) != 2 {
		t.Fatalf("expected two versions, got %d", len(chain))
	}
	latest := chain[1]
	if latest.Version != 2 || latest.PreviousVersion == nil || *latest.PreviousVersion != 1 {
		t.Fatalf("broken version chain: %+v", latest)
	}
	if latest.SourceSnapshot != "caf_20250701" {
		t.Fatalf("new version must carry the source snapshot, got %s", latest.SourceSnapshot)
	}
}

// Scenario: a new entity appears in the target snapshot.
func TestRunNewEntityIsInserted(t *testing.T) {
	cfg := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()

	detector := &stubDetector{changes: map[string][]domain.EntityChange{
		cfg.Name: {{
			EntityType:   cfg.Name,
			PrimaryKey:   "E2",
			Kind:         domain.ChangeInsert,
			SnapshotFrom: "caf_20250601",
			SnapshotTo:   "caf_20250701",
		}},
	}}
	builder := &stubBuilder{docs: map[string]domain.Document{
		buildKey("E2", "caf_20250701"): {"idUnidadeFamiliar": "E2", "possuiMaoObraContratada": false},
	}}

	report := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})

	if totals := report.Totals(); totals.Inserted != 1 {
		t.Fatalf("expected one INSERTED outcome, got %+v", totals)
	}
	chain := repo.chains[repo.key(cfg.Name, "E2")]
	if len(chain) != 1 || chain[0].Version != 1 || chain[0].PreviousVersion != nil {
		t.Fatalf("first version must be 1 with null predecessor, got %+v", chain)
	}
}

// Scenario: the entity became inactive in the target snapshot, so the builder
// reports nothing to build and the entity stays out of the store.
func TestRunInactiveEntityIsSkipped(t *testing.T) {
	cfg := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()

	detector := &stubDetector{changes: map[string][]domain.EntityChange{
		cfg.Name: {updateChange(cfg.Name, "E3", "caf_20250601", "caf_20250701")},
	}}
	builder := &stubBuilder{docs: map[string]domain.Document{}}

	report := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})

	totals := report.Totals()
	if totals.Skipped != 1 || totals.Processed() != 0 {
		t.Fatalf("inactive entity must be skipped, got %+v", totals)
	}
	if len(repo.chains) != 0 {
		t.Fatalf("inactive entity must never reach the version store")
	}
}

// Scenario: a child array changed while every scalar field stayed the same.
func TestRunChildArrayChangeIsVersioned(t *testing.T) {
	cfg := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()
	ctx := context.Background()

	persisted := domain.Document{
		"idUnidadeFamiliar": "E1",
		"enquadramentoRendas": []any{
			map[string]any{"id": "enq-1", "tipoEnquadramentoRenda": map[string]any{"id": float64(3), "descricao": "V"}},
		},
	}
	if _, err := versionstore.NewWriter(repo).Write(ctx, cfg.Name, "E1", "caf_20250601", persisted); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	changed := domain.Document{
		"idUnidadeFamiliar": "E1",
		"enquadramentoRendas": []any{
			map[string]any{"id": "enq-1", "tipoEnquadramentoRenda": map[string]any{"id": float64(3), "descricao": "V"}},
			map[string]any{"id": "enq-2", "tipoEnquadramentoRenda": map[string]any{"id": float64(4), "descricao": "A"}},
		},
	}

	detector := &stubDetector{changes: map[string][]domain.EntityChange{
		cfg.Name: {updateChange(cfg.Name, "E1", "caf_20250601", "caf_20250701")},
	}}
	builder := &stubBuilder{docs: map[string]domain.Document{
		buildKey("E1", "caf_20250701"): changed,
	}}

	report := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})

	if totals := report.Totals(); totals.Versioned != 1 {
		t.Fatalf("child array change must version, got %+v", totals)
	}
}

// Running the identical pipeline twice must leave the store untouched the
// second time.
func TestRunIdempotence(t *testing.T) {
	cfg := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()

	detector := &stubDetector{changes: map[string][]domain.EntityChange{
		cfg.Name: {
			{EntityType: cfg.Name, PrimaryKey: "E1", Kind: domain.ChangeInsert, SnapshotFrom: "caf_20250601", SnapshotTo: "caf_20250701"},
			updateChange(cfg.Name, "E2", "caf_20250601", "caf_20250701"),
		},
	}}
	builder := &stubBuilder{docs: map[string]domain.Document{
		buildKey("E1", "caf_20250701"): {"idUnidadeFamiliar": "E1", "dataValidade": "2026-01-31"},
		buildKey("E2", "caf_20250701"): {"idUnidadeFamiliar": "E2", "dataValidade": "2026-06-30"},
	}}

	first := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})
	if totals := first.Totals(); totals.Inserted != 2 {
		t.Fatalf("first run must insert both entities, got %+v", totals)
	}

	second := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})
	totals := second.Totals()
	if totals.Inserted != 0 || totals.Versioned != 0 {
		t.Fatalf("second run must not persist anything, got %+v", totals)
	}
	if totals.Ignored != 2 {
		t.Fatalf("second run must ignore both entities, got %+v", totals)
	}
}

// One entity type failing detection must not abort the others.
func TestRunToleratesEntityLevelDetectorFailure(t *testing.T) {
	broken := testEntityConfig("caf")
	healthy := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()

	detector := &stubDetector{
		changes: map[string][]domain.EntityChange{
			healthy.Name: {{
				EntityType:   healthy.Name,
				PrimaryKey:   "E1",
				Kind:         domain.ChangeInsert,
				SnapshotFrom: "caf_20250601",
				SnapshotTo:   "caf_20250701",
			}},
		},
		errs: map[string]error{broken.Name: errors.New("relation does not exist")},
	}
	builder := &stubBuilder{docs: map[string]domain.Document{
		buildKey("E1", "caf_20250701"): {"idUnidadeFamiliar": "E1"},
	}}

	report := runOnce(t, detector, builder, repo, []domain.EntityConfig{broken, healthy})

	totals := report.Totals()
	if totals.Failed != 1 {
		t.Fatalf("detector failure must be counted, got %+v", totals)
	}
	if totals.Inserted != 1 {
		t.Fatalf("healthy entity type must still be processed, got %+v", totals)
	}
}

// Delete-kind changes never touch the version chain.
func TestRunDeleteLeavesChainUntouched(t *testing.T) {
	cfg := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()
	ctx := context.Background()

	if _, err := versionstore.NewWriter(repo).Write(ctx, cfg.Name, "E1", "caf_20250601", domain.Document{"idUnidadeFamiliar": "E1"}); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	detector := &stubDetector{changes: map[string][]domain.EntityChange{
		cfg.Name: {{
			EntityType:   cfg.Name,
			PrimaryKey:   "E1",
			Kind:         domain.ChangeDelete,
			SnapshotFrom: "caf_20250601",
			SnapshotTo:   "caf_20250701",
		}},
	}}
	builder := &stubBuilder{docs: map[string]domain.Document{}}

	report := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})

	if totals := report.Totals(); totals.Skipped != 1 || totals.Processed() != 0 {
		t.Fatalf("delete must be skipped, got %+v", totals)
	}
	if len(repo.chains[repo.key(cfg.Name, "E1")]) != 1 {
		t.Fatalf("delete must not alter the chain")
	}
}

// Update candidates are offered for column refinement, inserts and deletes
// are not.
func TestRunRefinesUpdateCandidatesOnly(t *testing.T) {
	cfg := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()

	oldText := "false"
	newText := "true"
	detector := &stubDetector{
		changes: map[string][]domain.EntityChange{
			cfg.Name: {
				{EntityType: cfg.Name, PrimaryKey: "E1", Kind: domain.ChangeInsert, SnapshotFrom: "caf_20250601", SnapshotTo: "caf_20250701"},
				updateChange(cfg.Name, "E2", "caf_20250601", "caf_20250701"),
				{EntityType: cfg.Name, PrimaryKey: "E3", Kind: domain.ChangeDelete, SnapshotFrom: "caf_20250601", SnapshotTo: "caf_20250701"},
			},
		},
		columns: map[string][]domain.ColumnChange{
			"E2": {{Column: "st_mao_obra_contratada", DocumentField: "possuiMaoObraContratada", OldValue: &oldText, NewValue: &newText}},
		},
	}
	builder := &stubBuilder{docs: map[string]domain.Document{
		buildKey("E1", "caf_20250701"): {"idUnidadeFamiliar": "E1"},
		buildKey("E2", "caf_20250701"): {"idUnidadeFamiliar": "E2", "possuiMaoObraContratada": true},
	}}

	report := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})

	if len(detector.refinedKeys) != 1 || detector.refinedKeys[0] != "E2" {
		t.Fatalf("only the update candidate must be refined, got %v", detector.refinedKeys)
	}
	if totals := report.Totals(); totals.Inserted != 2 || totals.Skipped != 1 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

// A refinement failure must not block the write path.
func TestRunRefinementFailureDoesNotBlockWrite(t *testing.T) {
	cfg := testEntityConfig("unidade_familiar")
	repo := newMemoryVersionRepo()

	detector := &stubDetector{
		changes: map[string][]domain.EntityChange{
			cfg.Name: {updateChange(cfg.Name, "E1", "caf_20250601", "caf_20250701")},
		},
		columnsErr: errors.New("snapshot schema dropped mid-run"),
	}
	builder := &stubBuilder{docs: map[string]domain.Document{
		buildKey("E1", "caf_20250701"): {"idUnidadeFamiliar": "E1"},
	}}

	report := runOnce(t, detector, builder, repo, []domain.EntityConfig{cfg})

	totals := report.Totals()
	if totals.Inserted != 1 || totals.Failed != 0 {
		t.Fatalf("write must proceed despite refinement failure, got %+v", totals)
	}
}

func TestRunFailsFastOnInvalidConfig(t *testing.T) {
	repo := newMemoryVersionRepo()
	runner := NewRunner(
		stubSnapshots{labels: []string{"caf_20250601", "caf_20250701"}},
		&stubDetector{}, &stubBuilder{}, versionstore.NewWriter(repo),
		[]domain.EntityConfig{{Name: "broken"}}, 0,
	)
	if _, err := runner.Run(context.Background()); err == nil {
		t.Fatalf("invalid entity config must abort the run")
	}
}

func TestRunRequiresTwoSnapshots(t *testing.T) {
	repo := newMemoryVersionRepo()
	runner := NewRunner(
		stubSnapshots{labels: []string{"caf_20250601"}},
		&stubDetector{}, &stubBuilder{}, versionstore.NewWriter(repo),
		[]domain.EntityConfig{testEntityConfig("unidade_familiar")}, 0,
	)
	if _, err := runner.Run(context.Background()); err == nil {
		t.Fatalf("a single snapshot must abort the run")
	}
}

func TestRunReportTimestamps(t *testing.T) {
	repo := newMemoryVersionRepo()
	runner := NewRunner(
		stubSnapshots{labels: []string{"caf_20250601", "caf_20250701"}},
		&stubDetector{}, &stubBuilder{}, versionstore.NewWriter(repo),
		[]domain.EntityConfig{testEntityConfig("unidade_familiar")}, 0,
	)

	before := time.Now().UTC()
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if report.StartedAt.Before(before.Add(-time.Second)) {
		t.Fatalf("started timestamp looks wrong: %v", report.StartedAt)
	}
	if report.FinishedAt.Before(report.StartedAt) {
		t.Fatalf("finished before started: %+v", report)
	}
}
