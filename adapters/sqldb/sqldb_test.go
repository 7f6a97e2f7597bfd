package sqldb

import (
	"context"
	"math"
	"testing"
	"time"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/migration"
	"funnelpower/internal/query"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migration.NewRunner().Run(ctx, db))
	return db
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.True(t, errors.HasCode(err, errors.CodeConfigInvalid))
}

func TestMigration_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, migration.NewRunner().Run(context.Background(), db))

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM schema_version`))
	assert.Equal(t, 1, count)
}

func TestRunStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(openTestDB(t), "")

	_, err := store.Load(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	settings, err := experiment.NewSettings(experiment.Settings{NPermutations: 2, Seed: 3})
	require.NoError(t, err)
	run := experiment.PermutationRun{
		ID:         "11111111-2222-3333-4444-555555555555",
		Settings:   settings,
		Iterations: 2,
		Complete:   true,
		CreatedAt:  time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		Records: []experiment.PermutationRecord{
			{Iteration: 1, TTestRecord: experiment.TTestRecord{Key: experiment.RowKey{Step: "cart"}, Difference: 0.1, PValue: 0.2}},
			{Iteration: 2, TTestRecord: experiment.TTestRecord{Key: experiment.RowKey{Step: "cart"}, Difference: math.NaN(), PValue: math.NaN()}},
		},
	}
	require.NoError(t, store.Save(ctx, run))
	// Saving again replaces the entry
	require.NoError(t, store.Save(ctx, run))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(run, loaded, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("stored run differs (-want +got):\n%s", diff)
	}

	require.NoError(t, store.Delete(ctx))
	_, err = store.Load(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestRunStore_CorruptDocumentIsSchemaError(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`INSERT INTO permutation_runs
		(name, run_id, cache_key, iterations, record_count, complete, document, created_at)
		VALUES ('default', 'x', '{}', 1, 1, 1, 'not json', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	_, err = NewRunStore(db, "").Load(context.Background())
	assert.True(t, errors.HasCode(err, errors.CodeSchemaError))
}

func seedEvents(t *testing.T, db *sqlx.DB) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE events (
		user_domain_id TEXT, variant TEXT, page_url_path TEXT,
		geo_country TEXT, utm_source TEXT, event_timestamp TIMESTAMP)`)
	require.NoError(t, err)

	day := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	events := []struct {
		unit, variant, path, country, source string
		at                                   time.Time
	}{
		{"u1", "control", "/", "US", "google", day},
		{"u1", "control", "/cart", "US", "google", day.Add(time.Minute)},
		{"u2", "control", "/", "FR", "direct", day},
		{"u3", "treatment", "/", "CA", "google", day},
		{"u3", "treatment", "/cart", "CA", "google", day.Add(time.Minute)},
		{"u4", "treatment", "/", "DE", "google", day.AddDate(0, 1, 0)},
	}
	for _, e := range events {
		_, err := db.Exec(`INSERT INTO events VALUES (?, ?, ?, ?, ?, ?)`, e.unit, e.variant, e.path, e.country, e.source, e.at)
		require.NoError(t, err)
	}
}

func progressSpec() query.Spec {
	return query.Spec{
		Steps: []query.Step{{Name: "home", Match: "/"}, {Name: "cart", Match: "/cart"}},
		Categories: map[string]string{
			"region":     "CASE WHEN geo_country IN ('US', 'CA', 'MX') THEN 'North America' ELSE 'Rest of the World' END",
			"utm_source": "utm_source",
		},
	}
}

func TestProgressRepository_LoadProgress(t *testing.T) {
	db := openTestDB(t)
	seedEvents(t, db)

	table, err := NewProgressRepository(db, progressSpec(), nil).LoadProgress(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"u1", "u2", "u3", "u4"}, table.UnitIDs())
	assert.Equal(t, []string{"home", "cart"}, table.Steps())
	assert.Equal(t, []string{"region", "utm_source"}, table.Dimensions())

	u1 := table.Row(0)
	assert.Equal(t, experiment.Control, u1.Group)
	assert.Equal(t, "North America", u1.Dimensions["region"])
	assert.True(t, u1.Reached["cart"])

	u2 := table.Row(1)
	assert.Equal(t, "Rest of the World", u2.Dimensions["region"])
	assert.True(t, u2.Reached["home"])
	assert.False(t, u2.Reached["cart"])

	assert.Equal(t, experiment.Treatment, table.Row(2).Group)
}

func TestProgressRepository_FiltersAndWindow(t *testing.T) {
	db := openTestDB(t)
	seedEvents(t, db)

	spec := progressSpec()
	spec.Filters = map[string][]string{"utm_source": {"google"}}
	spec.Until = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	table, err := NewProgressRepository(db, spec, nil).LoadProgress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, table.UnitIDs())
}

func TestProgressRepository_FiltersWholeUnitsLikeApply(t *testing.T) {
	db := openTestDB(t)
	seedEvents(t, db)
	// u5 arrives direct and reaches the cart through google; its unit-level source is direct.
	day := time.Date(2024, 1, 12, 9, 0, 0, 0, time.UTC)
	_, err := db.Exec(`INSERT INTO events VALUES ('u5', 'control', '/', 'US', 'direct', ?)`, day)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO events VALUES ('u5', 'control', '/cart', 'US', 'google', ?)`, day.Add(time.Minute))
	require.NoError(t, err)

	ctx := context.Background()
	spec := progressSpec()
	spec.Filters = map[string][]string{"utm_source": {"google"}}

	filtered, err := NewProgressRepository(db, spec, nil).LoadProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3", "u4"}, filtered.UnitIDs())

	all, err := NewProgressRepository(db, progressSpec(), nil).LoadProgress(ctx)
	require.NoError(t, err)
	inMemory, err := spec.Apply(all)
	require.NoError(t, err)
	assert.Equal(t, filtered.UnitIDs(), inMemory.UnitIDs())
	assert.Equal(t, filtered.Rows(), inMemory.Rows())
}

func TestProgressRepository_UnknownVariant(t *testing.T) {
	db := openTestDB(t)
	seedEvents(t, db)
	_, err := db.Exec(`INSERT INTO events VALUES ('u9', 'holdout', '/', 'US', 'google', ?)`, time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	_, err = NewProgressRepository(db, progressSpec(), nil).LoadProgress(context.Background())
	assert.True(t, errors.HasCode(err, errors.CodeSchemaError))
}
