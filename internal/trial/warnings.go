package trial

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/rcourtman/lotto-entitlements/internal/kvstore"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// Milestones are the remaining-day counts at which a trial expiry warning is shown.
var Milestones = []int{15, 5, 2}

const warningKeyPrefix = "trial.warning."

// Warning is a one-shot expiry notice.
type Warning struct {
	DaysRemaining int    `json:"days_remaining"`
	Message       string `json:"message"`
}

// Warnings tracks which milestones the user has already dismissed.
type Warnings struct {
	mu sync.Mutex
	kv kvstore.Store
}

// NewWarnings returns a tracker persisting dismissals in kv.
func NewWarnings(kv kvstore.Store) *Warnings {
	return &Warnings{kv: kv}
}

// Due returns the warning for ent when it sits exactly on an undismissed
// milestone. Only active trials warn.
func (w *Warnings) Due(ent entitlement.Entitlement) (Warning, bool, error) {
	if ent.Tier != entitlement.TierTrialActive {
		return Warning{}, false, nil
	}
	if !isMilestone(ent.DaysRemaining) {
		return Warning{}, false, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, shown, err := w.kv.Get(warningKey(ent.DaysRemaining))
	if err != nil {
		return Warning{}, false, fmt.Errorf("load trial warning state: %w", err)
	}
	if shown {
		return Warning{}, false, nil
	}
	return Warning{
		DaysRemaining: ent.DaysRemaining,
		Message:       fmt.Sprintf("Your free trial ends in %d days.", ent.DaysRemaining),
	}, true, nil
}

// Dismiss marks the milestone as shown so it is not offered again.
func (w *Warnings) Dismiss(days int) error {
	if !isMilestone(days) {
		return fmt.Errorf("%d is not a trial warning milestone", days)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.kv.Set(warningKey(days), []byte("1")); err != nil {
		return fmt.Errorf("persist trial warning state: %w", err)
	}
	return nil
}

func isMilestone(days int) bool {
	for _, m := range Milestones {
		if m == days {
			return true
		}
	}
	return false
}

func warningKey(days int) string {
	return warningKeyPrefix + strconv.Itoa(days)
}
