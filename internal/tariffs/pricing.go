package tariffs

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Price is the plan price plus every add-on whose key is both part of the
// plan's feature set and enabled by the owner. A plan carrying an unknown
// feature key is rejected rather than priced.
func Price(plan models.TariffPlan, options []models.AddonOption, enabled enums.FeatureSet) (decimal.Decimal, error) {
	features, err := plan.FeatureSet()
	if err != nil {
		return decimal.Zero, err
	}

	total := plan.Price
	for _, option := range options {
		key := enums.FeatureKey(option.FeatureKey)
		if !features.Has(key) || !enabled.Has(key) {
			continue
		}
		total = total.Add(option.Price)
	}
	return total.Round(2), nil
}
