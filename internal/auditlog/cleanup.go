package auditlog

import "time"

// DefaultCleanupInterval is how often expired entries are deleted.
const DefaultCleanupInterval = time.Hour

// runCleanupLoop calls cleanupFn immediately and then every interval until stop is closed.
func runCleanupLoop(stop <-chan struct{}, interval time.Duration, cleanupFn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cleanupFn()

	for {
		select {
		case <-ticker.C:
			cleanupFn()
		case <-stop:
			return
		}
	}
}
