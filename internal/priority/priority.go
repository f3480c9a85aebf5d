// Package priority computes task scores. The score is a deterministic
// function of how many tasks wait on this one, its effort, its deadline
// proximity, and a caller-assigned strategic bonus.
package priority

import (
	"fmt"
	"strings"
	"time"
)

const (
	BlockerWeight = 20
	QuickWinBonus = 10

	quickWinUnder = 30 * time.Minute

	DeadlineUrgent = 15
	DeadlineNear   = 10
	DeadlineSoon   = 5

	urgentWithin = 24 * time.Hour
	nearWithin   = 72 * time.Hour
	soonWithin   = 168 * time.Hour
)

// Inputs are the facts a score is derived from.
type Inputs struct {
	BlockedCount   int
	EffortMinutes  int
	Deadline       string // RFC3339, empty when none
	StrategicBonus int
}

// Score computes the priority at the given instant.
func Score(in Inputs, now time.Time) int {
	s := in.BlockedCount * BlockerWeight
	s += quickWin(in.EffortMinutes)
	s += deadlineBonus(in.Deadline, now)
	s += in.StrategicBonus
	return s
}

func quickWin(effortMinutes int) int {
	if effortMinutes <= 0 {
		return 0
	}
	if time.Duration(effortMinutes)*time.Minute < quickWinUnder {
		return QuickWinBonus
	}
	return 0
}

func deadlineBonus(deadline string, now time.Time) int {
	if deadline == "" {
		return 0
	}
	due, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return 0
	}
	until := due.Sub(now)
	switch {
	case until <= urgentWithin:
		return DeadlineUrgent
	case until <= nearWithin:
		return DeadlineNear
	case until <= soonWithin:
		return DeadlineSoon
	default:
		return 0
	}
}

// Explain renders a human-readable breakdown of the score components.
func Explain(in Inputs, now time.Time) string {
	parts := []string{}
	if in.BlockedCount > 0 {
		parts = append(parts, fmt.Sprintf("unblocks %d task(s) (+%d)", in.BlockedCount, in.BlockedCount*BlockerWeight))
	}
	if b := quickWin(in.EffortMinutes); b > 0 {
		parts = append(parts, fmt.Sprintf("quick win under 30m (+%d)", b))
	}
	if b := deadlineBonus(in.Deadline, now); b > 0 {
		parts = append(parts, fmt.Sprintf("deadline approaching (+%d)", b))
	}
	if in.StrategicBonus != 0 {
		parts = append(parts, fmt.Sprintf("strategic (+%d)", in.StrategicBonus))
	}
	if len(parts) == 0 {
		return "no scoring factors apply"
	}
	return strings.Join(parts, ", ")
}
