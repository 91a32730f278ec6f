package streak

import (
	"time"

	"reflectai/api/internal/store"
)

// Clock abstracts time retrieval so day boundaries are deterministic in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Day truncates t to its calendar date in loc. The result is midnight UTC so
// dates compare equal regardless of where they were computed.
func Day(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Advance returns the streak after a day's total reached dayTotal words.
// A day that has not met minWords leaves the streak as is, and so does a
// second qualifying write on the same day. A qualifying day right after the
// last entry extends the streak; any other day restarts it at one.
func Advance(prev store.UserStreak, day time.Time, dayTotal, minWords int) store.UserStreak {
	if dayTotal < minWords {
		return prev
	}
	next := prev
	switch {
	case prev.LastEntryDate != nil && sameDate(*prev.LastEntryDate, day):
		return prev
	case prev.LastEntryDate != nil && sameDate(prev.LastEntryDate.AddDate(0, 0, 1), day):
		next.CurrentStreak = prev.CurrentStreak + 1
	default:
		next.CurrentStreak = 1
	}
	if next.CurrentStreak > next.LongestStreak {
		next.LongestStreak = next.CurrentStreak
	}
	d := day
	next.LastEntryDate = &d
	return next
}
