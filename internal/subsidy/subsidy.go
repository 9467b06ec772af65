// Package subsidy resolves the employer-funded discount percentage for a
// restaurant from the manager-maintained billing settings.
package subsidy

import (
	"strings"

	"github.com/officeeats/billing-engine/pkg/models"
)

// Normalize folds the legacy subsidyAmount field into SubsidyPercent and
// clamps the result to [0,100]. Old records wrote the percentage under
// subsidyAmount; after normalization the core only ever reads
// SubsidyPercent.
func Normalize(setting *models.RestaurantSetting) {
	if setting == nil {
		return
	}
	if setting.SubsidyPercent == 0 && setting.LegacySubsidyAmount != nil {
		setting.SubsidyPercent = *setting.LegacySubsidyAmount
	}
	setting.LegacySubsidyAmount = nil
	setting.SubsidyPercent = Clamp(setting.SubsidyPercent)
}

// Clamp bounds a subsidy percentage to [0,100].
func Clamp(percent float64) float64 {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// PercentFor returns the subsidy percentage configured for restaurantID, or
// 0 when no setting exists. Absence is not an error: no setting means no
// subsidy. IDs are compared after trimming so records written with padded
// or re-encoded ids still match.
func PercentFor(settings []models.RestaurantSetting, restaurantID string) float64 {
	want := strings.TrimSpace(restaurantID)
	for i := range settings {
		if strings.TrimSpace(settings[i].RestaurantID) == want {
			Normalize(&settings[i])
			return settings[i].SubsidyPercent
		}
	}
	return 0
}
