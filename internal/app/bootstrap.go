package app

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/okatech-org/sgg.ga-sub007/internal/config"
	"github.com/okatech-org/sgg.ga-sub007/internal/engine"
)

// Seeded counts what one Bootstrap call inserted.
type Seeded struct {
	Config  int `json:"config"`
	Weights int `json:"weights"`
}

// Bootstrap makes a fresh database usable: it inserts cfg.Defaults as
// default config rows and the weights.contexts seed map as weights. Existing
// rows are left alone, so running it again inserts nothing.
func Bootstrap(ctx context.Context, eng *engine.Engine, cfg *config.Config) (Seeded, error) {
	var out Seeded
	if cfg == nil {
		cfg = eng.Config
	}
	keys := make([]string, 0, len(cfg.Defaults))
	for k := range cfg.Defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ok, err := eng.Settings.SeedDefault(ctx, k, cfg.Defaults[k])
		if err != nil {
			return out, fmt.Errorf("seed config %s: %w", k, err)
		}
		if ok {
			out.Config++
		}
	}

	contexts := make([]string, 0, len(cfg.Weights.Contexts))
	for c := range cfg.Weights.Contexts {
		contexts = append(contexts, c)
	}
	sort.Strings(contexts)
	for _, c := range contexts {
		criteria := cfg.Weights.Contexts[c]
		names := make([]string, 0, len(criteria))
		for n := range criteria {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			ok, err := eng.Settings.SeedWeight(ctx, c, n, criteria[n])
			if err != nil {
				return out, fmt.Errorf("seed weight %s/%s: %w", c, n, err)
			}
			if ok {
				out.Weights++
			}
		}
	}
	if out.Config > 0 || out.Weights > 0 {
		eng.Log.Info("bootstrap seeded", zap.Int("config", out.Config), zap.Int("weights", out.Weights))
	}
	return out, nil
}
