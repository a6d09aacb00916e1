package client

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// Account is the user record inside the profile payload.
type Account struct {
	ID            int64      `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email,omitempty"`
	Nickname      string     `json:"nickname"`
	Avatar        string     `json:"avatar"`
	Role          string     `json:"role"`
	Status        string     `json:"status"`
	Credits       float64    `json:"credits"`
	VIPExpiresAt  *time.Time `json:"vip_expires_at,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// BillingInfo is the billing block of the profile payload.
type BillingInfo struct {
	Credits        float64          `json:"credits"`
	IsVIP          bool             `json:"is_vip"`
	VIPExpiresAt   *time.Time       `json:"vip_expires_at"`
	BillingEnabled bool             `json:"billing_enabled"`
	VIPBypass      bool             `json:"vip_bypass"`
	FeatureCosts   map[string]int64 `json:"feature_costs"`
}

// Profile is the full profile-view payload.
type Profile struct {
	User        Account     `json:"user"`
	Permissions []string    `json:"permissions"`
	Billing     BillingInfo `json:"billing"`
}

// CreditsEntry is one row of a credits ledger page.
type CreditsEntry struct {
	ID           int64     `json:"id"`
	Action       string    `json:"action"`
	Amount       float64   `json:"amount"`
	BalanceAfter float64   `json:"balance_after"`
	Feature      string    `json:"feature,omitempty"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	Remark       string    `json:"remark,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreditsLog is a page of the signed-in user's credits ledger.
type CreditsLog struct {
	Items      []CreditsEntry `json:"items"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalPages int64          `json:"total_pages"`
}

// Referral is one invited account.
type Referral struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Nickname  string    `json:"nickname"`
	Avatar    string    `json:"avatar"`
	CreatedAt time.Time `json:"created_at"`
}

// Referrals is the referral page with the caller's invite code and the
// configured bonus amounts.
type Referrals struct {
	List          []Referral `json:"list"`
	Total         int64      `json:"total"`
	Page          int        `json:"page"`
	PageSize      int        `json:"page_size"`
	ReferralCode  string     `json:"referral_code"`
	ReferralBonus int64      `json:"referral_bonus"`
	RegisterBonus int64      `json:"register_bonus"`
}

// Profile fetches the signed-in user's profile view payload.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var out Profile
	if err := c.Get(ctx, "/api/user/profile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MyCreditsLog fetches a page of the signed-in user's credits ledger.
func (c *Client) MyCreditsLog(ctx context.Context, page, pageSize int) (*CreditsLog, error) {
	var out CreditsLog
	if err := c.Get(ctx, "/api/user/my-credits-log", pageQuery(page, pageSize), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MyReferrals fetches a page of accounts the signed-in user referred.
func (c *Client) MyReferrals(ctx context.Context, page, pageSize int) (*Referrals, error) {
	var out Referrals
	if err := c.Get(ctx, "/api/user/my-referrals", pageQuery(page, pageSize), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func pageQuery(page, pageSize int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	return q
}
