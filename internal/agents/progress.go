package agents

import (
	"time"

	"clawbrick/internal/store"
)

// EstimatedProvisioningTime is the expected duration of a provisioning run.
const EstimatedProvisioningTime = 5 * time.Minute

// ProgressFailed is the progress reported for agents in the error state.
const ProgressFailed = -1

type Progress struct {
	Percent int
	// ETA is set only while provisioning.
	ETA *time.Duration
}

// Project derives client-facing progress. While provisioning the percentage
// caps at 95; only a finished run reports 100.
func Project(status store.Status, startedAt *time.Time, now time.Time) Progress {
	switch status {
	case store.StatusProvisioning:
		var elapsed time.Duration
		if startedAt != nil {
			elapsed = min(max(now.Sub(*startedAt), 0), EstimatedProvisioningTime)
		}
		pct := min(95, int(elapsed*100/EstimatedProvisioningTime))
		eta := max(EstimatedProvisioningTime-elapsed, 0)
		return Progress{Percent: pct, ETA: &eta}
	case store.StatusReady, store.StatusRunning:
		return Progress{Percent: 100}
	case store.StatusError:
		return Progress{Percent: ProgressFailed}
	default:
		return Progress{}
	}
}

// etaSeconds rounds the remaining time up to whole seconds.
func (p Progress) etaSeconds() *int {
	if p.ETA == nil {
		return nil
	}
	s := int((*p.ETA + time.Second - 1) / time.Second)
	return &s
}
