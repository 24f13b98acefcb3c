// Package scheduler owns the two market session clocks and cron-like job
// registration. It is a passive trigger: callbacks do the work, and Stop
// waits for in-flight callbacks before returning.
package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"turtle-trading-bot/internal/database"
)

// Session describes one market's trading window in its local timezone.
type Session struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
	Location    *time.Location
}

// Scheduler registers jobs against market-local cron triggers.
type Scheduler struct {
	cron     *cron.Cron
	sessions map[database.Market]Session
	running  atomic.Bool
	log      zerolog.Logger
}

// New builds a scheduler with the KRX (09:00-15:30 KST) and US
// (09:30-16:00 ET) sessions.
func New(log zerolog.Logger) (*Scheduler, error) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return nil, fmt.Errorf("load KRX timezone: %w", err)
	}
	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load US timezone: %w", err)
	}

	return &Scheduler{
		cron: cron.New(),
		sessions: map[database.Market]Session{
			database.MarketKRX: {OpenHour: 9, OpenMinute: 0, CloseHour: 15, CloseMinute: 30, Location: seoul},
			database.MarketUS:  {OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0, Location: newYork},
		},
		log: log.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Session returns the session clock for a market.
func (s *Scheduler) Session(market database.Market) Session {
	return s.sessions[market]
}

// AddJob registers a callback under a cron spec evaluated in the market's
// timezone. Weekdays only specs are the caller's responsibility; the spec
// helpers below include them.
func (s *Scheduler) AddJob(name string, market database.Market, spec string, fn func()) error {
	session := s.sessions[market]
	full := fmt.Sprintf("CRON_TZ=%s %s", session.Location.String(), spec)

	_, err := s.cron.AddFunc(full, func() {
		s.log.Debug().Str("job", name).Msg("job triggered")
		fn()
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	s.log.Info().Str("job", name).Str("spec", full).Msg("job registered")
	return nil
}

// AtSpec builds a once-a-day weekday trigger, e.g. AtSpec(8, 30).
func AtSpec(hour, minute int) string {
	return fmt.Sprintf("%d %d * * 1-5", minute, hour)
}

// EverySpec builds an every-N-minutes weekday trigger bounded to the
// session hours, e.g. EverySpec(5, 9, 15) for */5 between 09:00 and 15:59.
func EverySpec(minutes, fromHour, toHour int) string {
	return fmt.Sprintf("*/%d %d-%d * * 1-5", minutes, fromHour, toHour)
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	if s.running.CompareAndSwap(false, true) {
		s.cron.Start()
		s.log.Info().Msg("scheduler started")
	}
}

// Stop halts triggering and blocks until in-flight jobs return. Jobs run
// under contexts derived from the bot's run context, so after a shutdown
// they exit at their next context check rather than running to completion.
func (s *Scheduler) Stop() {
	if s.running.CompareAndSwap(true, false) {
		<-s.cron.Stop().Done()
		s.log.Info().Msg("scheduler stopped")
	}
}

// Running reports whether the scheduler is live.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// IsMarketOpen reports whether now falls inside the market's session,
// ignoring weekends. Exchange holidays are not modeled; a closed venue
// simply yields no quotes.
func (s *Scheduler) IsMarketOpen(market database.Market, now time.Time) bool {
	session, ok := s.sessions[market]
	if !ok {
		return false
	}
	local := now.In(session.Location)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	open := time.Date(local.Year(), local.Month(), local.Day(),
		session.OpenHour, session.OpenMinute, 0, 0, session.Location)
	close := time.Date(local.Year(), local.Month(), local.Day(),
		session.CloseHour, session.CloseMinute, 0, 0, session.Location)

	return !local.Before(open) && local.Before(close)
}

// NextMarketOpen returns the next business-day session open at or after
// now.
func (s *Scheduler) NextMarketOpen(market database.Market, now time.Time) time.Time {
	session, ok := s.sessions[market]
	if !ok {
		return time.Time{}
	}
	local := now.In(session.Location)

	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		open := time.Date(day.Year(), day.Month(), day.Day(),
			session.OpenHour, session.OpenMinute, 0, 0, session.Location)

		switch open.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		if open.After(local) {
			return open
		}
	}
	return time.Time{}
}

// CloseTime returns today's session close in market-local time for a
// reference instant.
func (s *Scheduler) CloseTime(market database.Market, now time.Time) time.Time {
	session := s.sessions[market]
	local := now.In(session.Location)
	return time.Date(local.Year(), local.Month(), local.Day(),
		session.CloseHour, session.CloseMinute, 0, 0, session.Location)
}
