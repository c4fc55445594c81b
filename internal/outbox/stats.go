package outbox

import "time"

const (
	resultProcessed = "processed"
	resultRetried   = "retried"
	resultFailed    = "failed"
)

// Stats summarizes one batch.
type Stats struct {
	StartTime time.Time
	Duration  time.Duration
	Claimed   int
	Processed int
	Retried   int
	Failed    int
}

func newStats() Stats {
	return Stats{StartTime: time.Now()}
}

func (s *Stats) record(result string) {
	switch result {
	case resultProcessed:
		s.Processed++
	case resultRetried:
		s.Retried++
	case resultFailed:
		s.Failed++
	}
}

func (s *Stats) finish() {
	s.Duration = time.Since(s.StartTime)
}
