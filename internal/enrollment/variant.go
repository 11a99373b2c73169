package enrollment

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/visionarychurch/followup/internal/models"
)

// Bucket maps a recipient to a stable bucket in [0, 100) for a sequence.
func Bucket(sequenceID, recipientKey string) int {
	return int(xxhash.Sum64String(sequenceID+"\x00"+recipientKey) % 100)
}

// AssignVariant picks the variant whose cumulative traffic range contains the
// recipient's bucket. A nil result means control. The same recipient always
// lands in the same variant while the split is unchanged.
func AssignVariant(sequenceID, recipientKey string, variants []*models.SequenceVariant) *models.SequenceVariant {
	active := make([]*models.SequenceVariant, 0, len(variants))
	for _, v := range variants {
		if v.IsActive && v.TrafficPercentage > 0 {
			active = append(active, v)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})

	bucket := Bucket(sequenceID, recipientKey)
	cumulative := 0
	for _, v := range active {
		cumulative += v.TrafficPercentage
		if bucket < cumulative {
			return v
		}
	}
	return nil
}
