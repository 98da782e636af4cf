// Package scoring computes per-file risk scores from bug-fix commit
// history using a temporal hot-spot model, inspired by bug-spot
// density analysis.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// hoursPerDay normalizes commit ages to days.
const hoursPerDay = 24

// Commit is a single bug-fix commit considered for scoring.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
}

// Engine converts a file's bug-fix commit history into a bounded
// risk score in [0,1].
type Engine struct {
	log logrus.FieldLogger
	now func() time.Time
}

// NewEngine creates a new scoring engine using the wall clock.
func NewEngine(log logrus.FieldLogger) *Engine {
	return &Engine{
		log: log.WithField("component", "scoring"),
		now: time.Now,
	}
}

// NewEngineAt creates a scoring engine with a fixed clock. Used by
// tests that need deterministic ages.
func NewEngineAt(log logrus.FieldLogger, now func() time.Time) *Engine {
	return &Engine{
		log: log.WithField("component", "scoring"),
		now: now,
	}
}

// Score calculates the risk score for the given bug-fix commits.
//
// Commits are sorted ascending by date (sha as tie-break, so equal
// timestamps still produce a deterministic order). Each commit
// contributes a logistic hot-spot weight based on its age relative to
// the oldest commit; the accumulated weight is squashed through the
// same logistic transform to yield the final score.
//
// Score always returns a value in [0,1]. Commits with an invalid
// (zero) date are logged and skipped; they never contribute and never
// cause an error. An empty history scores exactly 0.
func (e *Engine) Score(commits []Commit) float64 {
	if len(commits) == 0 {
		return 0
	}

	// Sort a copy so repeated calls on the same slice are
	// referentially transparent.
	sorted := make([]Commit, len(commits))
	copy(sorted, commits)

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].SHA < sorted[j].SHA
		}

		return sorted[i].Date.Before(sorted[j].Date)
	})

	now := e.now()

	// The oldest commit anchors the recency normalization. Commits
	// with invalid dates cannot anchor anything.
	oldestAge, ok := e.oldestCommitAge(sorted, now)
	if !ok {
		return 0
	}

	var hotSpotFactor float64

	for _, commit := range sorted {
		if commit.Date.IsZero() {
			e.log.WithField("sha", commit.SHA).
				Warn("Invalid commit date, skipping commit")

			continue
		}

		// Normalized recency: 0 for the oldest commit, approaching
		// 1 for commits close to now.
		var factor float64
		if oldestAge > 0 {
			factor = 1 - ageInDays(now, commit.Date)/oldestAge
		}

		hotSpotFactor += logistic(factor)
	}

	return logistic(hotSpotFactor)
}

// oldestCommitAge returns the age in days of the oldest commit with a
// valid date. The second return value is false when no commit has a
// valid date.
func (e *Engine) oldestCommitAge(
	sorted []Commit, now time.Time,
) (float64, bool) {
	for _, commit := range sorted {
		if !commit.Date.IsZero() {
			return ageInDays(now, commit.Date), true
		}
	}

	e.log.Warn("No commit has a valid date, risk score defaults to 0")

	return 0, false
}

// logistic is the hot-spot transform. It saturates sharply around
// factor 1, so only contributions close to the present carry weight.
func logistic(factor float64) float64 {
	return 1 / (1 + math.Exp(-12*factor+12))
}

// ageInDays returns the time elapsed between t and now in days.
func ageInDays(now, t time.Time) float64 {
	return now.Sub(t).Hours() / hoursPerDay
}
