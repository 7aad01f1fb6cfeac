package scheduling

import (
	"context"
	"time"
)

// SessionPurger deletes session rows that can no longer be refreshed.
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

// SessionGC returns the job that purges expired sessions. onPurged, when
// non-nil, receives the number of rows removed by each run.
func SessionGC(spec string, purger SessionPurger, onPurged func(int64)) Job {
	return Job{
		Name:    "session_gc",
		Spec:    spec,
		Timeout: 2 * time.Minute,
		Run: func(ctx context.Context) error {
			n, err := purger.PurgeExpiredSessions(ctx)
			if err != nil {
				return err
			}
			if onPurged != nil {
				onPurged(n)
			}
			return nil
		},
	}
}
