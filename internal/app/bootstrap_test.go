package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/okatech-org/sgg.ga-sub007/internal/app"
	"github.com/okatech-org/sgg.ga-sub007/internal/config"
	"github.com/okatech-org/sgg.ga-sub007/internal/db"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/engine"
	"github.com/okatech-org/sgg.ga-sub007/internal/migrate"
)

func TestBootstrapSeedsOnceAndKeepsOverrides(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg, err := config.FromYAML([]byte(`
weights:
  max: 1
  contexts:
    loan:
      income: 0.6
      history: 3
defaults:
  threshold.loan: "0.6"
`))
	require.NoError(t, err)
	eng, err := engine.New(conn, cfg, engine.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	seeded, err := app.Bootstrap(ctx, eng, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, seeded.Config)
	assert.Equal(t, 2, seeded.Weights)

	weights, err := eng.Settings.GetWeights(ctx, "loan")
	require.NoError(t, err)
	assert.Equal(t, 0.6, weights["income"].Value)
	assert.Equal(t, 1.0, weights["history"].Value)

	require.NoError(t, eng.Settings.SetConfig(ctx, "threshold.loan", "0.9"))
	_, err = eng.Settings.SetWeight(ctx, "loan", "income", 0.2)
	require.NoError(t, err)

	again, err := app.Bootstrap(ctx, eng, nil)
	require.NoError(t, err)
	assert.Equal(t, app.Seeded{}, again)

	entry, err := eng.Settings.GetConfig(ctx, "threshold.loan")
	require.NoError(t, err)
	assert.Equal(t, "0.9", entry.Value)
	assert.Equal(t, domain.SourceOverride, entry.Source)
	weights, err = eng.Settings.GetWeights(ctx, "loan")
	require.NoError(t, err)
	assert.Equal(t, 0.2, weights["income"].Value)
}
