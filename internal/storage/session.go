package storage

import (
	"time"

	"github.com/rs/zerolog/log"

	"paperbot/internal/types"
)

// CreateSession inserts a new active session row.
func (d *Database) CreateSession(s *TradingSession) error {
	return d.db.Create(s).Error
}

// SaveSession persists the full session row.
func (d *Database) SaveSession(s *TradingSession) error {
	return d.db.Save(s).Error
}

// GetSession loads a session by its public id.
func (d *Database) GetSession(sessionID string) (*TradingSession, error) {
	var s TradingSession
	if err := d.db.Where("session_id = ?", sessionID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveSessions returns sessions for the account that never ended.
// Anything here at startup means a previous run died without shutdown.
func (d *Database) ActiveSessions(accountID uint) ([]*TradingSession, error) {
	var sessions []*TradingSession
	err := d.db.
		Where("account_id = ? AND ended_at IS NULL", accountID).
		Order("started_at asc").
		Find(&sessions).Error
	return sessions, err
}

// AbandonActiveSessions closes every still-active session of the account
// with end reason "error". Called once at startup before a new session is
// opened, so crashed runs do not leave active rows behind.
func (d *Database) AbandonActiveSessions(accountID uint, now time.Time) (int, error) {
	sessions, err := d.ActiveSessions(accountID)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		ended := now
		s.EndedAt = &ended
		s.EndReason = types.EndError
		s.DurationSeconds = int64(now.Sub(s.StartedAt).Seconds())
		if err := d.db.Save(s).Error; err != nil {
			return 0, err
		}
		log.Warn().Str("session_id", s.SessionID).
			Time("started_at", s.StartedAt).
			Msg("⚠️ stale session from a previous run closed as error")
	}
	return len(sessions), nil
}
