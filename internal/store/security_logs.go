package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SecurityEvent is one audit record (login, register, password reset, ...).
type SecurityEvent struct {
	ID        int64           `json:"id"`
	UserID    *int64          `json:"user_id,omitempty"`
	Action    string          `json:"action"`
	IPAddress string          `json:"ip_address"`
	UserAgent string          `json:"user_agent"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// LogSecurityEvent records an audit event. Details may be nil.
func (s *Store) LogSecurityEvent(userID *int64, action, ip, userAgent string, details map[string]any) error {
	var detailsJSON any
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = string(b)
	}
	var uid any
	if userID != nil {
		uid = *userID
	}
	_, err := s.db.Exec(`
		INSERT INTO qd_security_logs (user_id, action, ip_address, user_agent, details)
		VALUES (?, ?, ?, ?, ?)`,
		uid, action, ip, userAgent, detailsJSON)
	if err != nil {
		return fmt.Errorf("insert security log: %w", err)
	}
	return nil
}

// RecentSecurityEvents returns the newest events up to limit.
func (s *Store) RecentSecurityEvents(limit int) ([]SecurityEvent, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, action, ip_address, user_agent, details, created_at
		FROM qd_security_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list security logs: %w", err)
	}
	defer rows.Close()

	out := []SecurityEvent{}
	for rows.Next() {
		var e SecurityEvent
		var uid sql.NullInt64
		var details sql.NullString
		if err := rows.Scan(&e.ID, &uid, &e.Action, &e.IPAddress, &e.UserAgent, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if uid.Valid {
			v := uid.Int64
			e.UserID = &v
		}
		if details.Valid {
			e.Details = json.RawMessage(details.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupSecurityLogs deletes audit records older than the cutoff and returns
// how many were removed.
func (s *Store) CleanupSecurityLogs(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	res, err := s.db.Exec(`DELETE FROM qd_security_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup security logs: %w", err)
	}
	return res.RowsAffected()
}

// OAuthLink ties a third-party identity to a local account.
type OAuthLink struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// GetOAuthLink finds the local user linked to a provider identity.
func (s *Store) GetOAuthLink(provider, providerUserID string) (*OAuthLink, error) {
	var l OAuthLink
	err := s.db.QueryRow(`
		SELECT id, user_id, provider, provider_user_id, created_at
		FROM qd_oauth_links WHERE provider = ? AND provider_user_id = ?`,
		provider, providerUserID).
		Scan(&l.ID, &l.UserID, &l.Provider, &l.ProviderUserID, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// LinkOAuth records a provider identity for a user.
func (s *Store) LinkOAuth(userID int64, provider, providerUserID string) error {
	_, err := s.db.Exec(`
		INSERT INTO qd_oauth_links (user_id, provider, provider_user_id) VALUES (?, ?, ?)`,
		userID, provider, providerUserID)
	if err != nil {
		return fmt.Errorf("link oauth identity: %w", err)
	}
	return nil
}

// UserOAuthLinks lists a user's linked providers.
func (s *Store) UserOAuthLinks(userID int64) ([]OAuthLink, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, provider, provider_user_id, created_at
		FROM qd_oauth_links WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list oauth links: %w", err)
	}
	defer rows.Close()

	out := []OAuthLink{}
	for rows.Next() {
		var l OAuthLink
		if err := rows.Scan(&l.ID, &l.UserID, &l.Provider, &l.ProviderUserID, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteOAuthLink removes a link by provider identity, regardless of the
// owning account. Used to clear links orphaned by account deletion, so it
// skips the last-sign-in-method check UnlinkOAuth applies.
func (s *Store) DeleteOAuthLink(provider, providerUserID string) error {
	_, err := s.db.Exec(`DELETE FROM qd_oauth_links WHERE provider = ? AND provider_user_id = ?`,
		provider, providerUserID)
	if err != nil {
		return fmt.Errorf("delete oauth link: %w", err)
	}
	return nil
}

// UnlinkOAuth removes a provider link. Refuses when the account would be left
// with no way to sign in (no password and no other provider).
func (s *Store) UnlinkOAuth(userID int64, provider string) error {
	u, err := s.GetUserByID(userID)
	if err != nil {
		return err
	}
	if !u.HasPassword() {
		links, err := s.UserOAuthLinks(userID)
		if err != nil {
			return err
		}
		if len(links) <= 1 {
			return errors.New("cannot unlink the only sign-in method")
		}
	}
	res, err := s.db.Exec(`DELETE FROM qd_oauth_links WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("unlink oauth identity: %w", err)
	}
	return requireRow(res)
}
