package jobstore

import (
	"context"
	"time"
)

// StaleRunningScanner is implemented by Store backends that can report
// jobs abandoned in running by a crashed runner process. It is deliberately
// not part of the Store interface: a backend that cannot answer this
// cheaply (e.g. an exotic remote queue) is still a valid Store, it just
// opts out of the startup recovery sweep.
type StaleRunningScanner interface {
	FindStaleRunning(ctx context.Context, cutoff time.Time) ([]Job, error)
}
