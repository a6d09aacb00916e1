package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credits log actions.
const (
	ActionConsume       = "consume"
	ActionRecharge      = "recharge"
	ActionAdminAdjust   = "admin_adjust"
	ActionRefund        = "refund"
	ActionRegisterBonus = "register_bonus"
	ActionReferralBonus = "referral_bonus"
	ActionVIPGrant      = "vip_grant"
	ActionVIPRevoke     = "vip_revoke"
)

var ErrInsufficientCredits = errors.New("insufficient credits")

// CreditsEntry is one row of the credits audit log.
type CreditsEntry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Action       string    `json:"action"`
	Amount       float64   `json:"amount"`
	BalanceAfter float64   `json:"balance_after"`
	Feature      string    `json:"feature,omitempty"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	Remark       string    `json:"remark,omitempty"`
	OperatorID   *int64    `json:"operator_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreditsLogPage is one page of credits log entries.
type CreditsLogPage struct {
	Items      []CreditsEntry `json:"items"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalPages int64          `json:"total_pages"`
}

// GetCredits returns the user's current balance.
func (s *Store) GetCredits(userID int64) (float64, error) {
	var credits float64
	err := s.db.QueryRow(`SELECT credits FROM qd_users WHERE id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return credits, err
}

// LogParams describes a credits_log entry written alongside a balance change.
type LogParams struct {
	Action      string
	Amount      float64
	Feature     string
	ReferenceID string
	Remark      string
	OperatorID  *int64
}

// AdjustCredits atomically applies delta to the user's balance and writes the
// log entry. A negative delta fails with ErrInsufficientCredits when the
// balance cannot cover it.
func (s *Store) AdjustCredits(userID int64, delta float64, p LogParams) (float64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance float64
	if err := tx.QueryRow(`SELECT credits FROM qd_users WHERE id = ?`, userID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	newBalance := balance + delta
	if newBalance < 0 {
		return balance, ErrInsufficientCredits
	}
	if _, err := tx.Exec(`UPDATE qd_users SET credits = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, newBalance, userID); err != nil {
		return 0, fmt.Errorf("update credits: %w", err)
	}
	if err := insertCreditsLog(tx, userID, newBalance, p); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// SetCredits replaces the user's balance and logs the difference as an admin
// adjustment.
func (s *Store) SetCredits(userID int64, amount float64, remark string, operatorID *int64) (float64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance float64
	if err := tx.QueryRow(`SELECT credits FROM qd_users WHERE id = ?`, userID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE qd_users SET credits = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, amount, userID); err != nil {
		return 0, fmt.Errorf("set credits: %w", err)
	}
	if remark == "" {
		remark = fmt.Sprintf("Admin adjust: %g -> %g", balance, amount)
	}
	if err := insertCreditsLog(tx, userID, amount, LogParams{
		Action:     ActionAdminAdjust,
		Amount:     amount - balance,
		Remark:     remark,
		OperatorID: operatorID,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return amount, nil
}

// SetVIP updates the VIP expiry (nil revokes) and logs the change.
func (s *Store) SetVIP(userID int64, expiresAt *time.Time, remark string, operatorID *int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exp any
	if expiresAt != nil {
		exp = expiresAt.UTC()
	}
	res, err := tx.Exec(`UPDATE qd_users SET vip_expires_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, exp, userID)
	if err != nil {
		return fmt.Errorf("set vip: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	var balance float64
	if err := tx.QueryRow(`SELECT credits FROM qd_users WHERE id = ?`, userID).Scan(&balance); err != nil {
		return err
	}
	action := ActionVIPRevoke
	if expiresAt != nil {
		action = ActionVIPGrant
		if remark == "" {
			remark = "VIP granted until " + expiresAt.UTC().Format(time.RFC3339)
		}
	} else if remark == "" {
		remark = "VIP revoked"
	}
	if err := insertCreditsLog(tx, userID, balance, LogParams{Action: action, Remark: remark, OperatorID: operatorID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreditsLog returns a page of the user's credits history, newest first.
func (s *Store) CreditsLog(userID int64, page, pageSize int) (*CreditsLogPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM qd_credits_log WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count credits log: %w", err)
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, action, amount, balance_after, feature, reference_id, remark, operator_id, created_at
		FROM qd_credits_log WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list credits log: %w", err)
	}
	defer rows.Close()

	out := &CreditsLogPage{Items: []CreditsEntry{}, Total: total, Page: page, PageSize: pageSize}
	for rows.Next() {
		var e CreditsEntry
		var operator sql.NullInt64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Amount, &e.BalanceAfter,
			&e.Feature, &e.ReferenceID, &e.Remark, &operator, &e.CreatedAt); err != nil {
			return nil, err
		}
		if operator.Valid {
			v := operator.Int64
			e.OperatorID = &v
		}
		out.Items = append(out.Items, e)
	}
	out.TotalPages = (total + int64(pageSize) - 1) / int64(pageSize)
	return out, rows.Err()
}

func insertCreditsLog(tx *sql.Tx, userID int64, balanceAfter float64, p LogParams) error {
	var operator any
	if p.OperatorID != nil {
		operator = *p.OperatorID
	}
	_, err := tx.Exec(`
		INSERT INTO qd_credits_log (user_id, action, amount, balance_after, feature, reference_id, remark, operator_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, p.Action, p.Amount, balanceAfter, p.Feature, p.ReferenceID, p.Remark, operator)
	if err != nil {
		return fmt.Errorf("insert credits log: %w", err)
	}
	return nil
}
