package billing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/p369349074/QuantDinger-sub001/internal/config"
	"github.com/p369349074/QuantDinger-sub001/internal/store"
)

const configCacheTTL = 60 * time.Second

var featureNames = map[string]string{
	"ai_analysis":       "AI Analysis",
	"strategy_run":      "Strategy Run",
	"backtest":          "Backtest",
	"portfolio_monitor": "Portfolio Monitor",
	"indicator_create":  "Indicator Create",
}

// Outcome labels returned by CheckAndConsume when the feature is allowed.
const (
	ResultBillingDisabled = "billing_disabled"
	ResultFree            = "free"
	ResultVIPFree         = "vip_free"
	ResultConsumed        = "consumed"
)

// InsufficientCreditsError carries the balance and cost for the client's
// recharge prompt.
type InsufficientCreditsError struct {
	Balance float64
	Cost    int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits:%g:%d", e.Balance, e.Cost)
}

// Service meters feature usage against user credit balances. The billing
// configuration is re-read from the environment on a short cache so settings
// edits apply without a restart.
type Service struct {
	store  *store.Store
	loader func() config.BillingConfig

	mu        sync.Mutex
	cached    config.BillingConfig
	cachedAt  time.Time
	haveCache bool
}

func NewService(st *store.Store) *Service {
	return &Service{store: st, loader: config.LoadBilling}
}

// NewServiceWithLoader lets tests supply the configuration.
func NewServiceWithLoader(st *store.Store, loader func() config.BillingConfig) *Service {
	return &Service{store: st, loader: loader}
}

func (s *Service) Config() config.BillingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveCache && time.Since(s.cachedAt) < configCacheTTL {
		return s.cached
	}
	s.cached = s.loader()
	s.cachedAt = time.Now()
	s.haveCache = true
	return s.cached
}

// ClearConfigCache forces the next Config call to re-read the environment.
func (s *Service) ClearConfigCache() {
	s.mu.Lock()
	s.haveCache = false
	s.mu.Unlock()
}

func (s *Service) Enabled() bool { return s.Config().Enabled }

func (s *Service) FeatureCost(feature string) int64 {
	return s.Config().Costs[feature]
}

// VIPActive reports whether the user holds an unexpired VIP grant.
func (s *Service) VIPActive(userID int64) (bool, *time.Time) {
	user, err := s.store.GetUserByID(userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("vip status lookup failed")
		return false, nil
	}
	if user.VIPExpiresAt == nil {
		return false, nil
	}
	return user.VIPExpiresAt.After(time.Now()), user.VIPExpiresAt
}

// CheckAndConsume charges the user for one use of a feature. Billing off,
// zero-cost features, and active VIPs under bypass all pass without charge.
func (s *Service) CheckAndConsume(userID int64, feature, referenceID string) (string, error) {
	cfg := s.Config()
	if !cfg.Enabled {
		return ResultBillingDisabled, nil
	}

	cost := cfg.Costs[feature]
	if cost <= 0 {
		return ResultFree, nil
	}

	if cfg.VIPBypass {
		if active, _ := s.VIPActive(userID); active {
			return ResultVIPFree, nil
		}
	}

	balance, err := s.store.AdjustCredits(userID, -float64(cost), store.LogParams{
		Action:      store.ActionConsume,
		Amount:      -float64(cost),
		Feature:     feature,
		ReferenceID: referenceID,
		Remark:      "Consume: " + displayName(feature),
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			current, cerr := s.store.GetCredits(userID)
			if cerr != nil {
				current = 0
			}
			return "", &InsufficientCreditsError{Balance: current, Cost: cost}
		}
		return "", err
	}

	log.Info().Int64("user_id", userID).Str("feature", feature).
		Int64("cost", cost).Float64("balance", balance).Msg("credits consumed")
	return ResultConsumed, nil
}

// AddCredits credits the user's balance with the given action logged.
func (s *Service) AddCredits(userID int64, amount float64, action, remark string, operatorID *int64) (float64, error) {
	if action == "" {
		action = store.ActionRecharge
	}
	return s.store.AdjustCredits(userID, amount, store.LogParams{
		Action:     action,
		Amount:     amount,
		Remark:     remark,
		OperatorID: operatorID,
	})
}

func (s *Service) SetCredits(userID int64, amount float64, remark string, operatorID *int64) (float64, error) {
	return s.store.SetCredits(userID, amount, remark, operatorID)
}

func (s *Service) SetVIP(userID int64, expiresAt *time.Time, remark string, operatorID *int64) error {
	return s.store.SetVIP(userID, expiresAt, remark, operatorID)
}

func (s *Service) CreditsLog(userID int64, page, pageSize int) (*store.CreditsLogPage, error) {
	return s.store.CreditsLog(userID, page, pageSize)
}

// Info summarizes the user's balance and the live cost table for display.
type Info struct {
	Credits        float64          `json:"credits"`
	IsVIP          bool             `json:"is_vip"`
	VIPExpiresAt   *time.Time       `json:"vip_expires_at"`
	BillingEnabled bool             `json:"billing_enabled"`
	VIPBypass      bool             `json:"vip_bypass"`
	FeatureCosts   map[string]int64 `json:"feature_costs"`
}

func (s *Service) UserInfo(userID int64) Info {
	cfg := s.Config()
	credits, err := s.store.GetCredits(userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("credits lookup failed")
	}
	isVIP, expiresAt := s.VIPActive(userID)

	costs := make(map[string]int64, len(cfg.Costs))
	for feature, cost := range cfg.Costs {
		costs[feature] = cost
	}

	return Info{
		Credits:        credits,
		IsVIP:          isVIP,
		VIPExpiresAt:   expiresAt,
		BillingEnabled: cfg.Enabled,
		VIPBypass:      cfg.VIPBypass,
		FeatureCosts:   costs,
	}
}

func displayName(feature string) string {
	if name, ok := featureNames[feature]; ok {
		return name
	}
	return feature
}
