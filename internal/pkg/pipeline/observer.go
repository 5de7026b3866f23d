package pipeline

import "time"

// Observer receives pipeline events, typically for metrics.
type Observer interface {
	CycleStarted()
	CycleEnded()
	CycleFinished(offeringID, result string, d time.Duration)
	BackendUp(offeringID string, up bool)
	UsageFolded(offeringID string, resets []string, stale int)
	UsageReported(offeringID string, err error)
	EventReceived(outcome string)
}

type nopObserver struct{}

func (nopObserver) CycleStarted()                               {}
func (nopObserver) CycleEnded()                                 {}
func (nopObserver) CycleFinished(string, string, time.Duration) {}
func (nopObserver) BackendUp(string, bool)                      {}
func (nopObserver) UsageFolded(string, []string, int)           {}
func (nopObserver) UsageReported(string, error)                 {}
func (nopObserver) EventReceived(string)                        {}
