package store

import (
	"context"
	"errors"
	"time"

	"github.com/tradepro/options-engine/internal/model"
)

// Seed writes default settings and assets when the store has none yet.
// Existing values are left untouched so admin edits survive restarts.
func Seed(ctx context.Context, st Store, settings model.TradeSettings, assets []model.Asset) error {
	if _, err := st.GetSettings(ctx); errors.Is(err, ErrNotFound) {
		settings.UpdatedAt = time.Now().UTC()
		if err := st.SaveSettings(ctx, &settings); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	existing, err := st.ListAssets(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for i := range assets {
		a := assets[i]
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = time.Now().UTC()
		}
		if err := st.SaveAsset(ctx, &a); err != nil {
			return err
		}
	}
	return nil
}
