package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role represents a user's role in the system.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Roles lists the available roles ordered by privilege level.
var Roles = []Role{RoleViewer, RoleUser, RoleManager, RoleAdmin}

var rolePermissions = map[Role][]string{
	RoleViewer:  {"dashboard", "view"},
	RoleUser:    {"dashboard", "view", "indicator", "backtest", "strategy", "portfolio"},
	RoleManager: {"dashboard", "view", "indicator", "backtest", "strategy", "portfolio", "settings"},
	RoleAdmin:   {"dashboard", "view", "indicator", "backtest", "strategy", "portfolio", "settings", "user_manage", "credentials"},
}

// Permissions returns the permission set for a role. Unknown roles get the
// viewer set so a bad role value never widens access.
func Permissions(role Role) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		perms = rolePermissions[RoleViewer]
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// Can reports whether the role grants the named permission.
func (r Role) Can(permission string) bool {
	for _, p := range Permissions(r) {
		if p == permission {
			return true
		}
	}
	return false
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role Role) bool {
	_, ok := rolePermissions[role]
	return ok
}

// User statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusPending  = "pending"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already registered")
	ErrNoPassword    = errors.New("account has no password set")
)

// User holds account data. PasswordHash never serializes.
type User struct {
	ID            int64      `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email,omitempty"`
	PasswordHash  string     `json:"-"`
	Nickname      string     `json:"nickname"`
	Avatar        string     `json:"avatar"`
	Role          Role       `json:"role"`
	Status        string     `json:"status"`
	Credits       float64    `json:"credits"`
	VIPExpiresAt  *time.Time `json:"vip_expires_at,omitempty"`
	ReferredBy    *int64     `json:"referred_by,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasPassword reports whether the account has a password set. Code-login
// accounts are created without one.
func (u *User) HasPassword() bool {
	return strings.TrimSpace(u.PasswordHash) != ""
}

// CreateUserParams describes a new account.
type CreateUserParams struct {
	Username      string
	Email         string
	PasswordHash  string
	Nickname      string
	Avatar        string
	Role          Role
	Status        string
	EmailVerified bool
	ReferredBy    *int64
}

const userColumns = `id, username, COALESCE(email, ''), password_hash, nickname, avatar, role, status,
	credits, vip_expires_at, referred_by, email_verified, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var vipExpires, lastLogin sql.NullTime
	var referredBy sql.NullInt64
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Nickname, &u.Avatar,
		&u.Role, &u.Status, &u.Credits, &vipExpires, &referredBy, &u.EmailVerified,
		&lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if vipExpires.Valid {
		t := vipExpires.Time
		u.VIPExpiresAt = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	if referredBy.Valid {
		v := referredBy.Int64
		u.ReferredBy = &v
	}
	return &u, nil
}

// CreateUser inserts a new account and returns its ID.
func (s *Store) CreateUser(p CreateUserParams) (int64, error) {
	if p.Username == "" {
		return 0, errors.New("username required")
	}
	if p.Role == "" {
		p.Role = RoleUser
	}
	if !ValidRole(p.Role) {
		return 0, fmt.Errorf("invalid role %q", p.Role)
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if p.Nickname == "" {
		p.Nickname = p.Username
	}
	if p.Avatar == "" {
		p.Avatar = "/avatar2.jpg"
	}

	var email any
	if p.Email != "" {
		email = strings.ToLower(p.Email)
	}
	res, err := s.db.Exec(`
		INSERT INTO qd_users (username, email, password_hash, nickname, avatar, role, status, email_verified, referred_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Username, email, p.PasswordHash, p.Nickname, p.Avatar, p.Role, p.Status, p.EmailVerified, refOrNil(p.ReferredBy))
	if err != nil {
		if strings.Contains(err.Error(), "qd_users.username") {
			return 0, ErrUsernameTaken
		}
		if strings.Contains(err.Error(), "qd_users.email") {
			return 0, ErrEmailTaken
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return res.LastInsertId()
}

func refOrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// GetUserByID returns the user with the given ID.
func (s *Store) GetUserByID(id int64) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM qd_users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// GetUserByUsername returns the user with the given username.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM qd_users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// GetUserByEmail returns the user with the given email (case-insensitive).
func (s *Store) GetUserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM qd_users WHERE email = ?`, strings.ToLower(email))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// LookupAccount finds a user by username or email. Lets users log in with
// either identifier.
func (s *Store) LookupAccount(identifier string) (*User, error) {
	if strings.Contains(identifier, "@") {
		if u, err := s.GetUserByEmail(identifier); err == nil {
			return u, nil
		}
	}
	return s.GetUserByUsername(identifier)
}

// UserPage is one page of a user listing.
type UserPage struct {
	Items      []*User `json:"list"`
	Total      int64   `json:"total"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalPages int64   `json:"total_pages"`
}

// ListUsers returns a page of users, optionally filtered by a search term
// matched against username, email and nickname.
func (s *Store) ListUsers(page, pageSize int, search string) (*UserPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	where := ""
	var args []any
	if search = strings.TrimSpace(search); search != "" {
		where = ` WHERE username LIKE ? OR email LIKE ? OR nickname LIKE ?`
		like := "%" + search + "%"
		args = append(args, like, like, like)
	}

	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM qd_users`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.Query(`SELECT `+userColumns+` FROM qd_users`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := &UserPage{Items: []*User{}, Total: total, Page: page, PageSize: pageSize}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, u)
	}
	out.TotalPages = (total + int64(pageSize) - 1) / int64(pageSize)
	return out, rows.Err()
}

// UpdateUserParams carries optional field updates; nil means leave unchanged.
type UpdateUserParams struct {
	Email    *string
	Nickname *string
	Avatar   *string
	Role     *Role
	Status   *string
}

// UpdateUser applies the non-nil fields to the user.
func (s *Store) UpdateUser(id int64, p UpdateUserParams) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	if p.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, strings.ToLower(*p.Email))
	}
	if p.Nickname != nil {
		sets = append(sets, "nickname = ?")
		args = append(args, *p.Nickname)
	}
	if p.Avatar != nil {
		sets = append(sets, "avatar = ?")
		args = append(args, *p.Avatar)
	}
	if p.Role != nil {
		if !ValidRole(*p.Role) {
			return fmt.Errorf("invalid role %q", *p.Role)
		}
		sets = append(sets, "role = ?")
		args = append(args, *p.Role)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *p.Status)
	}
	if len(sets) == 1 {
		return errors.New("no fields to update")
	}
	args = append(args, id)
	res, err := s.db.Exec(`UPDATE qd_users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		if strings.Contains(err.Error(), "qd_users.email") {
			return ErrEmailTaken
		}
		return fmt.Errorf("update user: %w", err)
	}
	return requireRow(res)
}

// UpdatePassword replaces the stored password hash.
func (s *Store) UpdatePassword(id int64, passwordHash string) error {
	res, err := s.db.Exec(`UPDATE qd_users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireRow(res)
}

// DeleteUser removes an account.
func (s *Store) DeleteUser(id int64) error {
	res, err := s.db.Exec(`DELETE FROM qd_users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireRow(res)
}

// TouchLastLogin records a successful login time; failures are the caller's
// to ignore.
func (s *Store) TouchLastLogin(id int64) error {
	_, err := s.db.Exec(`UPDATE qd_users SET last_login_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// AdminCount returns the number of admin accounts.
func (s *Store) AdminCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM qd_users WHERE role = ?`, RoleAdmin).Scan(&n)
	return n, err
}

// ReferralPage is one page of referred users with only public fields.
type Referral struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Nickname  string    `json:"nickname"`
	Avatar    string    `json:"avatar"`
	CreatedAt time.Time `json:"created_at"`
}

// ListReferrals returns users referred by userID, newest first.
func (s *Store) ListReferrals(userID int64, page, pageSize int) ([]Referral, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM qd_users WHERE referred_by = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count referrals: %w", err)
	}
	rows, err := s.db.Query(`
		SELECT id, username, nickname, avatar, created_at FROM qd_users
		WHERE referred_by = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list referrals: %w", err)
	}
	defer rows.Close()

	out := []Referral{}
	for rows.Next() {
		var r Referral
		if err := rows.Scan(&r.ID, &r.Username, &r.Nickname, &r.Avatar, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// EnsureAdmin creates the bootstrap admin account when no admin exists.
func (s *Store) EnsureAdmin(username, passwordHash string) (bool, error) {
	n, err := s.AdminCount()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	_, err = s.CreateUser(CreateUserParams{
		Username:     username,
		PasswordHash: passwordHash,
		Nickname:     "Admin",
		Role:         RoleAdmin,
	})
	if errors.Is(err, ErrUsernameTaken) {
		// Account exists but lost its admin role; restore it.
		u, lookupErr := s.GetUserByUsername(username)
		if lookupErr != nil {
			return false, lookupErr
		}
		role := RoleAdmin
		return true, s.UpdateUser(u.ID, UpdateUserParams{Role: &role})
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
