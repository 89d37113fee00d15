package schedule

import "time"

// ProgressUpdate is a transient progress event for one schedule
type ProgressUpdate struct {
	ScheduleID string    `json:"scheduleId"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message,omitempty"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// Broadcaster fans schedule events out to live observers.
// Implementations must not block the caller on slow observers.
type Broadcaster interface {
	BroadcastScheduleCreated(s *Schedule)
	BroadcastScheduleUpdated(s *Schedule)
	BroadcastScheduleDeleted(id string)
	BroadcastScheduleStarted(s *Schedule)
	BroadcastScheduleStopped(s *Schedule)
	BroadcastProgress(update ProgressUpdate)
}

// NopBroadcaster drops every event
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastScheduleCreated(*Schedule) {}
func (NopBroadcaster) BroadcastScheduleUpdated(*Schedule) {}
func (NopBroadcaster) BroadcastScheduleDeleted(string)    {}
func (NopBroadcaster) BroadcastScheduleStarted(*Schedule) {}
func (NopBroadcaster) BroadcastScheduleStopped(*Schedule) {}
func (NopBroadcaster) BroadcastProgress(ProgressUpdate)   {}
