package monitor

import (
	"fmt"
	"time"

	"github.com/makt28/plugwatch/internal/storage"
)

// FormatDuration renders d as "N год M хв". Hours are not folded into days.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int64(d / time.Hour)
	minutes := int64((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%d год %d хв", hours, minutes)
}

// FormatMessage builds the notification text for a transition into state.
// elapsed is how long the previous state lasted; it is left out when unknown.
func FormatMessage(state storage.State, elapsed time.Duration, elapsedKnown bool) string {
	var msg string
	if state == storage.StateOnline {
		msg = "Tuya розетка: ONLINE ✅"
	} else {
		msg = "Tuya розетка: OFFLINE ❌"
	}

	if !elapsedKnown {
		return msg
	}
	if state == storage.StateOnline {
		return msg + "\nСвітла не було: " + FormatDuration(elapsed)
	}
	return msg + "\nСвітло було: " + FormatDuration(elapsed)
}
