// Package jobtracker keeps a bounded, per-connection record of the jobs an
// upstream has announced so that shares can be annotated with the difficulty
// of the job they were mined against.
package jobtracker

import (
	"strconv"
	"strings"
	"sync"

	"github.com/floatdrop/lru"
)

const (
	// MaxTarget is the numerator of the difficulty quotient.
	MaxTarget = float64(0xFFFFFFFF)

	DefaultMaxJobs    = 100
	DefaultDifficulty = 1000.0
)

// Job is one unit of upstream work.
type Job struct {
	ID         string
	Target     string
	Difficulty float64
	Height     uint64
}

// Tracker maps job ids to jobs. When full, inserting a new id evicts the least
// recently used entry. Safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	maxJobs     int
	defaultDiff float64
	jobs        *lru.LRU[string, Job]
}

// New creates a tracker. Non-positive arguments fall back to the defaults.
func New(maxJobs int, defaultDifficulty float64) *Tracker {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	if defaultDifficulty <= 0 {
		defaultDifficulty = DefaultDifficulty
	}
	return &Tracker{
		maxJobs:     maxJobs,
		defaultDiff: defaultDifficulty,
		jobs:        lru.New[string, Job](maxJobs),
	}
}

// AddJob records a job and returns it with its derived difficulty.
func (t *Tracker) AddJob(jobID, targetHex string, height uint64) Job {
	job := Job{
		ID:         jobID,
		Target:     targetHex,
		Difficulty: DifficultyFromTarget(targetHex, t.defaultDiff),
		Height:     height,
	}
	t.mu.Lock()
	t.jobs.Set(jobID, job)
	t.mu.Unlock()
	return job
}

// GetJob returns the job recorded under jobID.
func (t *Tracker) GetJob(jobID string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j := t.jobs.Get(jobID); j != nil {
		return *j, true
	}
	return Job{}, false
}

// GetDifficulty returns the difficulty of jobID, or the default when unknown.
func (t *Tracker) GetDifficulty(jobID string) float64 {
	if j, ok := t.GetJob(jobID); ok {
		return j.Difficulty
	}
	return t.defaultDiff
}

// DefaultDifficulty returns the configured fallback difficulty.
func (t *Tracker) DefaultDifficulty() float64 {
	return t.defaultDiff
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.jobs = lru.New[string, Job](t.maxJobs)
	t.mu.Unlock()
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobs.Len()
}

// Capacity returns the maximum number of jobs held.
func (t *Tracker) Capacity() int {
	return t.maxJobs
}

// DifficultyFromTarget derives 0xFFFFFFFF / target. The target is hex with an
// optional 0x prefix; empty, unparsable or zero targets yield def.
func DifficultyFromTarget(targetHex string, def float64) float64 {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(targetHex), "0x"), "0X")
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil || v == 0 {
		return def
	}
	return MaxTarget / float64(v)
}
