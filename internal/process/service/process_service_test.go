package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/process/entity"
	"github.com/bitfantasy/nimo-mes/internal/process/repository"
	"github.com/bitfantasy/nimo-mes/internal/process/sse"
	"github.com/bitfantasy/nimo-mes/internal/process/testutil"
	"github.com/bitfantasy/nimo-mes/internal/shared/storage"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var operator = Actor{Code: "E001", Name: "Alice"}

type fixture struct {
	db       *gorm.DB
	repos    *repository.Repositories
	store    *testutil.RecordingStore
	hub      *sse.Hub
	notifier *fakeNotifier
	metrics  *SaveMetrics
	svc      *ProcessService
}

type fakeNotifier struct {
	docs []*entity.ProcessDocument
	err  error
}

func (n *fakeNotifier) NotifyRevision(_ context.Context, doc *entity.ProcessDocument) error {
	n.docs = append(n.docs, doc)
	return n.err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	store := testutil.NewRecordingStore(testutil.SetupStore(t))
	hub := sse.NewHub(nil)
	notifier := &fakeNotifier{}
	metrics := NewSaveMetrics(prometheus.NewRegistry())
	return &fixture{
		db:       db,
		repos:    repos,
		store:    store,
		hub:      hub,
		notifier: notifier,
		metrics:  metrics,
		svc:      NewProcessService(repos, store, nil, hub, notifier, metrics, nil),
	}
}

func upload(name, content string) *Upload {
	return &Upload{Filename: name, Size: int64(len(content)), Reader: bytes.NewBufferString(content)}
}

func (f *fixture) putAsset(t *testing.T, kind, content string) string {
	t.Helper()
	p, err := f.store.Save(context.Background(), kind, "x.png", bytes.NewBufferString(content), int64(len(content)), "image/png")
	require.NoError(t, err)
	return p
}

func (f *fixture) exists(t *testing.T, p string) bool {
	t.Helper()
	ok, err := f.store.Exists(context.Background(), p)
	require.NoError(t, err)
	return ok
}

func (f *fixture) read(t *testing.T, p string) string {
	t.Helper()
	rc, err := f.store.Open(context.Background(), p)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func (f *fixture) countRows(t *testing.T, model interface{}, where string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where(where, args...).Count(&n).Error)
	return n
}

func assertPositions(t *testing.T, steps []entity.ProcessStep) {
	t.Helper()
	for i, s := range steps {
		assert.Equal(t, i+1, s.Position, "step %d", i)
	}
}

func TestSaveCreateThenNewVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Save(ctx, operator, SaveInput{
		Document: entity.ProcessDocument{PartName: "Bracket-A"},
		Steps:    []entity.ProcessStep{{Department: "CNC", EstimatedTime: 5.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.SaveActionCreated, created.Action)
	v1 := created.Document
	assert.Equal(t, 1, v1.Version)
	require.Len(t, v1.Steps, 1)
	assert.Equal(t, 1, v1.Steps[0].Position)
	assert.Equal(t, "1", v1.Steps[0].QuantityPerSetup)
	assert.Equal(t, "E001", v1.CreatedBy)

	versioned, err := f.svc.Save(ctx, operator, SaveInput{
		Document:         entity.ProcessDocument{ID: v1.ID, PartName: "Bracket-A"},
		Steps:            []entity.ProcessStep{{Department: "CNC", EstimatedTime: 5.0}, {Department: "Deburr", EstimatedTime: 1.5}},
		CreateNewVersion: true,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.SaveActionVersioned, versioned.Action)
	v2 := versioned.Document
	assert.NotEqual(t, v1.ID, v2.ID)
	assert.Equal(t, 2, v2.Version)
	assert.Nil(t, v2.EditedAt)

	got, err := f.svc.Get(ctx, v2.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assertPositions(t, got.Steps)

	// v1 保持不变
	old, err := f.svc.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, old.Version)
	assert.Len(t, old.Steps, 1)
	assert.Equal(t, int64(1), old.RowVersion)

	// 升版通知只在 versioned 时发送
	require.Len(t, f.notifier.docs, 1)
	assert.Equal(t, 2, f.notifier.docs[0].Version)
}

func TestNewVersionIsMaxPlusOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SeedProcess(t, f.db, "Bracket-A", 1)
	testutil.SeedProcess(t, f.db, "Bracket-A", 5)
	v3 := testutil.SeedProcess(t, f.db, "Bracket-A", 3)

	res, err := f.svc.Save(ctx, operator, SaveInput{
		Document:         entity.ProcessDocument{ID: v3.ID, PartName: "Bracket-A"},
		Steps:            []entity.ProcessStep{{Department: "CNC"}},
		CreateNewVersion: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Document.Version)
}

func TestNewVersionDuplicatesPictures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	headerPic := f.putAsset(t, "process", "header")
	stepPic := f.putAsset(t, "step", "step-1")
	src := testutil.SeedProcess(t, f.db, "Bracket-A", 1, entity.ProcessStep{Department: "CNC", Picture: stepPic})
	require.NoError(t, f.db.Model(src).Update("picture", headerPic).Error)

	res, err := f.svc.Save(ctx, operator, SaveInput{
		Document:         entity.ProcessDocument{ID: src.ID, PartName: "Bracket-A"},
		Steps:            []entity.ProcessStep{{Department: "CNC", Picture: stepPic}},
		CreateNewVersion: true,
	})
	require.NoError(t, err)
	doc := res.Document

	require.NotEmpty(t, doc.Picture)
	assert.NotEqual(t, headerPic, doc.Picture)
	assert.Equal(t, "header", f.read(t, doc.Picture))
	require.NotEmpty(t, doc.Steps[0].Picture)
	assert.NotEqual(t, stepPic, doc.Steps[0].Picture)

	// 删除副本不影响源文件
	require.NoError(t, f.store.Delete(ctx, doc.Steps[0].Picture))
	assert.True(t, f.exists(t, stepPic))
	assert.Equal(t, "step-1", f.read(t, stepPic))
}

func TestNewVersionMissingSourcePictureLeavesNull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := testutil.SeedProcess(t, f.db, "Bracket-A", 1, entity.ProcessStep{Department: "CNC", Picture: "step/2020/01/gone.png"})
	require.NoError(t, f.db.Model(src).Update("picture", "process/2020/01/gone.png").Error)

	res, err := f.svc.Save(ctx, operator, SaveInput{
		Document:         entity.ProcessDocument{ID: src.ID, PartName: "Bracket-A"},
		Steps:            []entity.ProcessStep{{Department: "CNC", Picture: "step/2020/01/gone.png"}},
		CreateNewVersion: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Document.Picture)
	assert.Empty(t, res.Document.Steps[0].Picture)
}

func TestNewVersionUnknownSourceNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Save(context.Background(), operator, SaveInput{
		Document:         entity.ProcessDocument{ID: 99, PartName: "Bracket-A"},
		Steps:            []entity.ProcessStep{{Department: "CNC"}},
		CreateNewVersion: true,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := testutil.SeedProcess(t, f.db, "Bracket-A", 1, entity.ProcessStep{Department: "CNC"})

	cases := []struct {
		name  string
		actor Actor
		in    SaveInput
	}{
		{"empty part name", operator, SaveInput{Document: entity.ProcessDocument{PartName: "  "}, Steps: []entity.ProcessStep{{}}}},
		{"no steps", operator, SaveInput{Document: entity.ProcessDocument{PartName: "X"}}},
		{"negative time", operator, SaveInput{Document: entity.ProcessDocument{PartName: "X"}, Steps: []entity.ProcessStep{{EstimatedTime: -1}}}},
		{"no identity", Actor{}, SaveInput{Document: entity.ProcessDocument{PartName: "X"}, Steps: []entity.ProcessStep{{}}}},
		{"edit without steps", operator, SaveInput{Document: entity.ProcessDocument{ID: existing.ID, PartName: "Bracket-A"}}},
		{"version without name", operator, SaveInput{Document: entity.ProcessDocument{ID: existing.ID}, Steps: []entity.ProcessStep{{}}, CreateNewVersion: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Save(ctx, tc.actor, tc.in)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected validation error, got %v", err)
		})
	}

	// 持久化状态不变
	assert.Equal(t, int64(1), f.countRows(t, &entity.ProcessDocument{}, "1 = 1"))
	got, err := f.svc.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)
	assert.Equal(t, int64(1), got.RowVersion)
}

func TestInPlaceEditReconcilesStepPictures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keep := f.putAsset(t, "step", "keep")
	drop := f.putAsset(t, "step", "drop")
	replaced := f.putAsset(t, "step", "replaced")
	doc := testutil.SeedProcess(t, f.db, "Bracket-A", 1,
		entity.ProcessStep{Department: "CNC", Picture: keep},
		entity.ProcessStep{Department: "Mill", Picture: drop},
		entity.ProcessStep{Department: "Grind", Picture: replaced},
	)

	res, err := f.svc.Save(ctx, operator, SaveInput{
		Document: entity.ProcessDocument{ID: doc.ID, PartName: "Bracket-A", Material: "AL6061", RowVersion: 1},
		Steps: []entity.ProcessStep{
			{Department: "Grind", Picture: replaced},
			{Department: "CNC", Picture: keep},
		},
		StepFiles: map[int]*Upload{0: upload("new.jpg", "fresh")},
	})
	require.NoError(t, err)
	assert.Equal(t, entity.SaveActionUpdated, res.Action)
	assert.Equal(t, doc.ID, res.Document.ID)
	assert.Equal(t, 1, res.Document.Version)
	assert.Equal(t, int64(2), res.Document.RowVersion)
	require.NotNil(t, res.Document.EditedAt)
	assert.Equal(t, "E001", res.Document.EditedBy)

	deletes := f.store.Deletes()
	sort.Strings(deletes)
	expected := []string{drop, replaced}
	sort.Strings(expected)
	assert.Equal(t, expected, deletes)
	assert.True(t, f.exists(t, keep))
	assert.False(t, f.exists(t, drop))

	got, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assertPositions(t, got.Steps)
	assert.Equal(t, "AL6061", got.Material)
	assert.Equal(t, "fresh", f.read(t, got.Steps[0].Picture))
	assert.Equal(t, keep, got.Steps[1].Picture)
	assert.Equal(t, int64(2), f.countRows(t, &entity.ProcessStep{}, "process_id = ?", doc.ID))
}

func TestInPlaceEditDeletesEachPathOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shared := f.putAsset(t, "step", "shared")
	doc := testutil.SeedProcess(t, f.db, "Bracket-A", 1,
		entity.ProcessStep{Department: "CNC", Picture: shared},
		entity.ProcessStep{Department: "Mill", Picture: shared},
	)

	_, err := f.svc.Save(ctx, operator, SaveInput{
		Document: entity.ProcessDocument{ID: doc.ID, PartName: "Bracket-A"},
		Steps:    []entity.ProcessStep{{Department: "Inspect"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{shared}, f.store.Deletes())
}

func TestInPlaceEditHeaderPicture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldHeader := f.putAsset(t, "process", "old")
	doc := testutil.SeedProcess(t, f.db, "Bracket-A", 1, entity.ProcessStep{Department: "CNC"})
	require.NoError(t, f.db.Model(doc).Update("picture", oldHeader).Error)

	// 未上传新图片时保留原引用
	res, err := f.svc.Save(ctx, operator, SaveInput{
		Document: entity.ProcessDocument{ID: doc.ID, PartName: "Bracket-A"},
		Steps:    []entity.ProcessStep{{Department: "CNC"}},
	})
	require.NoError(t, err)
	assert.Equal(t, oldHeader, res.Document.Picture)
	assert.Empty(t, f.store.Deletes())

	res, err = f.svc.Save(ctx, operator, SaveInput{
		Document:   entity.ProcessDocument{ID: doc.ID, PartName: "Bracket-A"},
		Steps:      []entity.ProcessStep{{Department: "CNC"}},
		HeaderFile: upload("new.png", "new"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, oldHeader, res.Document.Picture)
	assert.Equal(t, "new", f.read(t, res.Document.Picture))
	assert.Equal(t, []string{oldHeader}, f.store.Deletes())
	assert.False(t, f.exists(t, oldHeader))
}

func TestInPlaceEditDropsForeignPictureReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	foreign := f.putAsset(t, "step", "other-doc")
	testutil.SeedProcess(t, f.db, "Shaft", 1, entity.ProcessStep{Department: "Lathe", Picture: foreign})
	doc := testutil.SeedProcess(t, f.db, "Bracket-A", 1, entity.ProcessStep{Department: "CNC"})

	res, err := f.svc.Save(ctx, operator, SaveInput{
		Document: entity.ProcessDocument{ID: doc.ID, PartName: "Bracket-A"},
		Steps:    []entity.ProcessStep{{Department: "CNC", Picture: foreign}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Document.Steps[0].Picture)
	assert.True(t, f.exists(t, foreign))
}

func TestInPlaceEditStaleRowVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := testutil.SeedProcess(t, f.db, "Bracket-A", 1, entity.ProcessStep{Department: "CNC"})
	require.NoError(t, f.db.Model(doc).Update("row_version", 4).Error)

	_, err := f.svc.Save(ctx, operator, SaveInput{
		Document:   entity.ProcessDocument{ID: doc.ID, PartName: "Bracket-A", RowVersion: 3},
		Steps:      []entity.ProcessStep{{Department: "Mill"}},
		HeaderFile: upload("h.png", "h"),
	})
	require.ErrorIs(t, err, ErrConcurrency)
	assert.False(t, IsValidation(err))

	got, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "CNC", got.Steps[0].Department)
	assert.Empty(t, got.Picture)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.saves.WithLabelValues(entity.SaveActionUpdated, "conflict")))
}

func TestCreateExistingPartNameIsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SeedProcess(t, f.db, "Bracket-A", 1)
	_, err := f.svc.Save(ctx, operator, SaveInput{
		Document:   entity.ProcessDocument{PartName: "Bracket-A"},
		Steps:      []entity.ProcessStep{{Department: "CNC"}},
		HeaderFile: upload("h.png", "h"),
	})
	require.True(t, IsValidation(err), "got %v", err)
	assert.NotErrorIs(t, err, ErrConcurrency)

	// 上传的文件被回收，版本链不变
	assert.Len(t, f.store.Deletes(), 1)
	assert.Equal(t, int64(1), f.countRows(t, &entity.ProcessDocument{}, "part_name = ?", "Bracket-A"))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.saves.WithLabelValues(entity.SaveActionCreated, "invalid")))
}

func TestInPlaceRenameOntoTakenVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SeedProcess(t, f.db, "Shaft", 1)
	doc := testutil.SeedProcess(t, f.db, "Bracket-A", 1, entity.ProcessStep{Department: "CNC"})

	_, err := f.svc.Save(ctx, operator, SaveInput{
		Document: entity.ProcessDocument{ID: doc.ID, PartName: "Shaft"},
		Steps:    []entity.ProcessStep{{Department: "Mill"}},
	})
	require.True(t, IsValidation(err), "got %v", err)
	assert.NotErrorIs(t, err, ErrConcurrency)

	got, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bracket-A", got.PartName)
	assert.Equal(t, "CNC", got.Steps[0].Department)

	// 改名到未占用的零件名称照常保存
	res, err := f.svc.Save(ctx, operator, SaveInput{
		Document: entity.ProcessDocument{ID: doc.ID, PartName: "Bracket-B"},
		Steps:    []entity.ProcessStep{{Department: "Mill"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bracket-B", res.Document.PartName)
}

func TestInPlaceEditMissingDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Save(context.Background(), operator, SaveInput{
		Document: entity.ProcessDocument{ID: 404, PartName: "Bracket-A"},
		Steps:    []entity.ProcessStep{{Department: "CNC"}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailedSaveRemovesStagedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := testutil.SeedProcess(t, f.db, "Bracket-A", 1)
	// 工序表不存在，事务在写入工序时失败
	require.NoError(t, f.db.Migrator().DropTable(&entity.ProcessStep{}))

	_, err := f.svc.Save(ctx, operator, SaveInput{
		Document:         entity.ProcessDocument{ID: src.ID, PartName: "Bracket-A"},
		Steps:            []entity.ProcessStep{{Department: "CNC"}},
		CreateNewVersion: true,
		HeaderFile:       upload("h.png", "h"),
		StepFiles:        map[int]*Upload{0: upload("s.png", "s")},
	})
	require.Error(t, err)

	// 两个新写入的文件都被回收
	assert.Len(t, f.store.Deletes(), 2)
	for _, p := range f.store.Deletes() {
		assert.False(t, f.exists(t, p))
	}
	assert.Equal(t, int64(1), f.countRows(t, &entity.ProcessDocument{}, "part_name = ?", "Bracket-A"))
}

func TestDeleteRemovesRowsAndPictures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	header := f.putAsset(t, "process", "h")
	p1 := f.putAsset(t, "step", "1")
	p2 := f.putAsset(t, "step", "2")
	doc := testutil.SeedProcess(t, f.db, "Bracket-A", 1,
		entity.ProcessStep{Department: "CNC", Picture: p1},
		entity.ProcessStep{Department: "Mill", Picture: p2},
	)
	require.NoError(t, f.db.Model(doc).Update("picture", header).Error)

	client := &sse.Client{ID: "watcher", Events: make(chan sse.Event, 4)}
	f.hub.Register(client)
	defer f.hub.Unregister("watcher")

	require.NoError(t, f.svc.Delete(ctx, operator, doc.ID))

	assert.Len(t, f.store.Deletes(), 3)
	assert.ElementsMatch(t, []string{header, p1, p2}, f.store.Deletes())
	assert.Equal(t, int64(0), f.countRows(t, &entity.ProcessStep{}, "process_id = ?", doc.ID))
	assert.Equal(t, int64(0), f.countRows(t, &entity.ProcessDocument{}, "id = ?", doc.ID))

	event := <-client.Events
	assert.Equal(t, sse.EventProcessUpdate, event.EventType)
	assert.Contains(t, event.Data, `"action":"deleted"`)

	assert.ErrorIs(t, f.svc.Delete(ctx, operator, doc.ID), ErrNotFound)
	assert.True(t, IsValidation(f.svc.Delete(ctx, Actor{}, doc.ID)))
}

func TestHistoryAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.SeedProcess(t, f.db, "Bracket-A", 1)
	latest := testutil.SeedProcess(t, f.db, "Bracket-A", 2)
	testutil.SeedProcess(t, f.db, "Shaft", 1)

	history, err := f.svc.History(ctx, "Bracket-A")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.Equal(t, 1, history[1].Version)

	_, err = f.svc.History(ctx, "")
	assert.True(t, IsValidation(err))

	empty, err := f.svc.History(ctx, "Nope")
	require.NoError(t, err)
	assert.Empty(t, empty)

	docs, err := f.svc.List(ctx, ListQuery{Keyword: "BRACKET", NewestOnly: true})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, latest.ID, docs[0].ID)
}

func TestOpenAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.putAsset(t, "step", "img")

	rc, ct, err := f.svc.OpenAsset(ctx, p)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "image/png", ct)

	_, _, err = f.svc.OpenAsset(ctx, "../etc/passwd")
	assert.True(t, IsValidation(err))

	_, _, err = f.svc.OpenAsset(ctx, "step/2020/01/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotifierFailureDoesNotFailSave(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("feishu down")
	src := testutil.SeedProcess(t, f.db, "Bracket-A", 1)

	res, err := f.svc.Save(context.Background(), operator, SaveInput{
		Document:         entity.ProcessDocument{ID: src.ID, PartName: "Bracket-A"},
		Steps:            []entity.ProcessStep{{Department: "CNC"}},
		CreateNewVersion: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Document.Version)
}

var _ storage.Store = (*testutil.RecordingStore)(nil)
