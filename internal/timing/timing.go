// Package timing derives authoritative elapsed and remaining time for a session.
// Every function is pure; callers pass the clock reading in.
package timing

import (
	"time"

	"github.com/stemsi/certexam-backend/internal/model"
)

// ElapsedSeconds is max(now - started_at, time_elapsed_secs), never negative.
// The wall-clock term keeps a client from stopping the clock; the stored term
// keeps the value monotonic if the clock steps back.
func ElapsedSeconds(s *model.CandidateExam, now time.Time) int {
	wall := int(now.Sub(s.StartedAt) / time.Second)
	if wall < 0 {
		wall = 0
	}
	return max(wall, s.TimeElapsedSecs)
}

// RemainingSeconds is max(0, time_allowed_secs - ElapsedSeconds).
func RemainingSeconds(s *model.CandidateExam, now time.Time) int {
	return max(0, s.TimeAllowedSecs-ElapsedSeconds(s, now))
}

// Expired reports whether the session has used up its allowed time.
func Expired(s *model.CandidateExam, now time.Time) bool {
	return ElapsedSeconds(s, now) >= s.TimeAllowedSecs
}

// Deadline is the wall-clock instant the session expires if no elapsed time
// beyond the wall clock was recorded.
func Deadline(s *model.CandidateExam) time.Time {
	return s.StartedAt.Add(time.Duration(s.TimeAllowedSecs) * time.Second)
}
