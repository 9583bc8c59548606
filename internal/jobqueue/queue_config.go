/*
Package jobqueue configuration - tunable parameters for the River transport.

# River Job Queue Configuration Guide

Every message destination gets its own River queue so a slow external sink
cannot starve the sagas. The maintenance queue runs the periodic sweep.

## Quick Configuration Reference:

### Performance Tuning:
- Increase MaxWorkers for higher throughput per destination
- Lower MaxWorkers to reduce database connection usage

### Reliability Tuning:
- MaxAttempts bounds deliveries before a job is discarded (dead-lettered)
- RetryInterval is the fixed wait between deliveries
- JobTimeout cancels a delivery that hangs on a provider

## Monitoring and Debugging:
- Discarded and cancelled jobs keep their errors in the river_job table
- The admin API lists them under /api/v1/dead-letters
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/chatbank/internal/messages"
)

// QueueMaintenance runs the periodic sweep.
const QueueMaintenance = "maintenance"

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	// Worker Configuration
	MaxWorkers int // Concurrent workers per destination queue (default: 8)

	// Retry Configuration
	MaxAttempts   int           // Deliveries per job before it is discarded (default: 3)
	RetryInterval time.Duration // Fixed wait between deliveries (default: 2 seconds)
	JobTimeout    time.Duration // Maximum time a single delivery can run (default: 1 minute)
	OrderSnooze   time.Duration // Wait before rechecking a job queued behind its key (default: 250ms)

	// Maintenance
	SweepInterval      time.Duration // How often expired rows are swept (default: 1 hour)
	FinalizedRetention time.Duration // How long finalized conversations are kept (default: 30 days)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:         8,
		MaxAttempts:        3,
		RetryInterval:      2 * time.Second,
		JobTimeout:         time.Minute,
		OrderSnooze:        250 * time.Millisecond,
		SweepInterval:      time.Hour,
		FinalizedRetention: 30 * 24 * time.Hour,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	queues := map[string]river.QueueConfig{
		QueueMaintenance: {MaxWorkers: 1},
	}
	for _, dest := range messages.Destinations {
		queues[string(dest)] = river.QueueConfig{MaxWorkers: c.MaxWorkers}
	}
	return queues
}

// fixedRetryPolicy schedules every retry RetryInterval after the failure.
type fixedRetryPolicy struct {
	interval time.Duration
}

// NextRetry implements river.ClientRetryPolicy.
func (p fixedRetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	return time.Now().UTC().Add(p.interval)
}
