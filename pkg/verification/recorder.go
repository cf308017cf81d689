package verification

import "time"

// Recorder receives pipeline measurements. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	StageCompleted(pipeline, stage, outcome string, points int, d time.Duration)
	PassCompleted(pipeline, result string)
	VerdictReached(pipeline, verdict string)
	LookupCompleted(result string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) StageCompleted(string, string, string, int, time.Duration) {}
func (nopRecorder) PassCompleted(string, string)                             {}
func (nopRecorder) VerdictReached(string, string)                            {}
func (nopRecorder) LookupCompleted(string, time.Duration)                    {}
