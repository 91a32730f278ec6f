package streak

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reflectai/api/internal/config"
	"reflectai/api/internal/store"
)

var ErrInvalidWordCount = errors.New("word count must be positive")

const (
	defaultStatsDays = 30
	maxStatsDays     = 366
)

type streakStore interface {
	GetStreak(context.Context, string) (store.UserStreak, error)
	RecordDailyWords(context.Context, string, time.Time, int, func(store.UserStreak, int) store.UserStreak) (store.UserStreak, store.DailyWordCount, error)
	ResetStaleStreaks(context.Context, time.Time) (int64, error)
	ListDailyWordCounts(context.Context, string, time.Time, time.Time) ([]store.DailyWordCount, error)
	WritingTotals(context.Context, string) (store.WritingTotals, error)
}

type Service struct {
	store    streakStore
	clock    Clock
	loc      *time.Location
	minWords int
	log      *zap.Logger
}

func NewService(st streakStore, cfg config.StreakConfig, clock Clock, log *zap.Logger) *Service {
	if clock == nil {
		clock = RealClock{}
	}
	minWords := cfg.MinDailyWords
	if minWords < 1 {
		minWords = 1
	}
	return &Service{
		store:    st,
		clock:    clock,
		loc:      cfg.Location(),
		minWords: minWords,
		log:      log.Named("streak"),
	}
}

// Today is the current calendar day in the configured time zone.
func (s *Service) Today() time.Time {
	return Day(s.clock.Now(), s.loc)
}

// RecordWords credits words written today and advances the user's streak
// once the day's total reaches the qualifying threshold.
func (s *Service) RecordWords(ctx context.Context, userID string, words int) (store.UserStreak, error) {
	if words <= 0 {
		return store.UserStreak{}, ErrInvalidWordCount
	}
	today := s.Today()
	updated, daily, err := s.store.RecordDailyWords(ctx, userID, today, words, func(current store.UserStreak, dayTotal int) store.UserStreak {
		return Advance(current, today, dayTotal, s.minWords)
	})
	if err != nil {
		return store.UserStreak{}, fmt.Errorf("record words: %w", err)
	}
	s.log.Debug("words recorded",
		zap.String("user_id", userID),
		zap.Int("words", words),
		zap.Int("day_total", daily.WordCount),
		zap.Int("current_streak", updated.CurrentStreak),
	)
	return updated, nil
}

// ResetStale zeroes streaks whose last qualifying day is before today.
// Running it more than once a day changes nothing further.
func (s *Service) ResetStale(ctx context.Context) (int64, error) {
	today := s.Today()
	affected, err := s.store.ResetStaleStreaks(ctx, today)
	if err != nil {
		return 0, err
	}
	s.log.Info("stale streaks reset", zap.String("day", today.Format("2006-01-02")), zap.Int64("users_affected", affected))
	return affected, nil
}

func (s *Service) Snapshot(ctx context.Context, userID string) (store.UserStreak, error) {
	return s.store.GetStreak(ctx, userID)
}

type Stats struct {
	Streak      store.UserStreak       `json:"streak"`
	TotalWords  int                    `json:"totalWords"`
	DaysWritten int                    `json:"daysWritten"`
	From        string                 `json:"from"`
	To          string                 `json:"to"`
	Daily       []store.DailyWordCount `json:"daily"`
}

// Stats summarises the user's writing over the trailing window of days,
// today included.
func (s *Service) Stats(ctx context.Context, userID string, days int) (Stats, error) {
	if days <= 0 {
		days = defaultStatsDays
	}
	if days > maxStatsDays {
		days = maxStatsDays
	}
	to := s.Today()
	from := to.AddDate(0, 0, -(days - 1))

	current, err := s.store.GetStreak(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	totals, err := s.store.WritingTotals(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	daily, err := s.store.ListDailyWordCounts(ctx, userID, from, to)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Streak:      current,
		TotalWords:  totals.TotalWords,
		DaysWritten: totals.DaysWritten,
		From:        from.Format("2006-01-02"),
		To:          to.Format("2006-01-02"),
		Daily:       daily,
	}, nil
}
