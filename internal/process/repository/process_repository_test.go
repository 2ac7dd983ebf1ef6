package repository_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/bitfantasy/nimo-mes/internal/process/entity"
	"github.com/bitfantasy/nimo-mes/internal/process/repository"
	"github.com/bitfantasy/nimo-mes/internal/process/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextVersion(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	v, err := repos.Process.NextVersion(ctx, "Bracket-A")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	testutil.SeedProcess(t, db, "Bracket-A", 1)
	testutil.SeedProcess(t, db, "Bracket-A", 3)
	testutil.SeedProcess(t, db, "Shaft", 7)

	v, err = repos.Process.NextVersion(ctx, "Bracket-A")
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestCreateDuplicateVersionConflicts(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	testutil.SeedProcess(t, db, "Bracket-A", 1)
	err := repos.Process.Create(ctx, &entity.ProcessDocument{PartName: "Bracket-A", Version: 1})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestVersionTaken(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	doc := testutil.SeedProcess(t, db, "Bracket-A", 2)

	taken, err := repos.Process.VersionTaken(ctx, "Bracket-A", 2, 0)
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = repos.Process.VersionTaken(ctx, "Bracket-A", 2, doc.ID)
	require.NoError(t, err)
	assert.False(t, taken, "the document itself does not count")

	taken, err = repos.Process.VersionTaken(ctx, "Bracket-A", 1, 0)
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestListNewestOnlyAndKeyword(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	a1 := testutil.SeedProcess(t, db, "Bracket-A", 1)
	a2 := testutil.SeedProcess(t, db, "Bracket-A", 2)
	shaft := testutil.SeedProcess(t, db, "Shaft", 1)
	require.NoError(t, db.Model(shaft).Update("material", "Stainless STEEL").Error)

	all, err := repos.Process.List(ctx, repository.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, shaft.ID, all[0].ID, "ordered by id desc")

	newest, err := repos.Process.List(ctx, repository.ListFilter{NewestOnly: true})
	require.NoError(t, err)
	ids := []uint64{}
	for _, d := range newest {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []uint64{a2.ID, shaft.ID}, ids)
	assert.NotContains(t, ids, a1.ID)

	byName, err := repos.Process.List(ctx, repository.ListFilter{Keyword: "bracket"})
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	byMaterial, err := repos.Process.List(ctx, repository.ListFilter{Keyword: "steel"})
	require.NoError(t, err)
	require.Len(t, byMaterial, 1)
	assert.Equal(t, shaft.ID, byMaterial[0].ID)
}

func TestListCappedAt200(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)

	for i := 0; i < entity.MaxListResults+5; i++ {
		testutil.SeedProcess(t, db, fmt.Sprintf("P-%03d", i), 1)
	}
	docs, err := repos.Process.List(context.Background(), repository.ListFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, docs, entity.MaxListResults)
}

func TestFindWithStepsOrdered(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)

	doc := testutil.SeedProcess(t, db, "Bracket-A", 1,
		entity.ProcessStep{Position: 2, Department: "Grinding"},
		entity.ProcessStep{Position: 1, Department: "CNC"},
	)

	got, err := repos.Process.FindWithSteps(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "CNC", got.Steps[0].Department)
	assert.Equal(t, "Grinding", got.Steps[1].Department)

	_, err = repos.Process.FindWithSteps(context.Background(), doc.ID+100)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateGuarded(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	doc := testutil.SeedProcess(t, db, "Bracket-A", 1)
	doc.Material = "AL6061"
	require.NoError(t, repos.Process.UpdateGuarded(ctx, doc, 1))
	assert.Equal(t, int64(2), doc.RowVersion)

	// 旧的 row_version 不再匹配
	stale := *doc
	stale.Material = "Steel"
	assert.ErrorIs(t, repos.Process.UpdateGuarded(ctx, &stale, 1), repository.ErrConflict)

	got, err := repos.Process.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "AL6061", got.Material)
	assert.Equal(t, int64(2), got.RowVersion)
}

func TestTransactionRollback(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	doc := testutil.SeedProcess(t, db, "Bracket-A", 1, entity.ProcessStep{Department: "CNC"})

	err := repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := tx.Process.DeleteSteps(ctx, doc.ID); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	steps, err := repos.Process.ListSteps(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestDeleteMissing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	assert.ErrorIs(t, repos.Process.Delete(context.Background(), 42), repository.ErrNotFound)
}
