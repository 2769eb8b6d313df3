package temporal

import (
	"time"

	"go.temporal.io/sdk/client"
)

const DefaultNamespace = "ledgerfill"

// Queue names
const (
	QueueSweep = "sweep"
)

// Schedule IDs
const (
	ScheduleSweep = "ledger-sweep"
)

// GetScheduleSpec returns a schedule spec for the given interval.
func GetScheduleSpec(interval time.Duration) client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: interval}}}
}
