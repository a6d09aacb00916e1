package email

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/p369349074/QuantDinger-sub001/internal/config"
)

// Verification purposes. Each purpose keeps its own code per address.
const (
	PurposeRegister       = "register"
	PurposeLogin          = "login"
	PurposeResetPassword  = "reset_password"
	PurposeChangePassword = "change_password"
	PurposeChangeEmail    = "change_email"
)

const codeLength = 6

var (
	ErrCodeCooldown = errors.New("Please wait before requesting another code")
	ErrCodeIPLimit  = errors.New("Too many verification codes requested from this IP. Try again later.")
	ErrCodeInvalid  = errors.New("Invalid verification code")
	ErrCodeExpired  = errors.New("Verification code has expired")
	ErrCodeLocked   = errors.New("Too many failed attempts. Please request a new code later")
)

// CodeStore keeps verification codes in Redis. Codes are single use, carry a
// TTL, tolerate a bounded number of wrong guesses before locking, and issuing
// a new code invalidates the previous one for the same address and purpose.
type CodeStore struct {
	redis redis.UniversalClient
	cfg   config.SecurityConfig
}

func NewCodeStore(redisClient redis.UniversalClient, cfg config.SecurityConfig) *CodeStore {
	return &CodeStore{redis: redisClient, cfg: cfg}
}

func codeKey(purpose, email string) string { return "qd:code:" + purpose + ":" + email }
func lockKey(purpose, email string) string { return "qd:code:lock:" + purpose + ":" + email }
func cooldownKey(email string) string      { return "qd:code:cooldown:" + email }
func ipQuotaKey(ip string) string          { return "qd:code:ip:" + ip }

type codeRecord struct {
	Code     string `json:"code"`
	Attempts int    `json:"attempts"`
}

// generateCode produces a random numeric code.
func generateCode() (string, error) {
	digits := make([]byte, codeLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

// Issue creates a fresh code for the address and purpose, replacing any code
// issued earlier. A per-address cooldown and a per-IP hourly quota bound how
// often codes can be requested.
func (s *CodeStore) Issue(ctx context.Context, emailAddr, purpose, ip string) (string, error) {
	ok, err := s.redis.SetNX(ctx, cooldownKey(emailAddr), "1", s.cfg.CodeCooldown).Result()
	if err != nil {
		return "", fmt.Errorf("code cooldown check: %w", err)
	}
	if !ok {
		return "", ErrCodeCooldown
	}

	if ip != "" {
		count, err := s.redis.Incr(ctx, ipQuotaKey(ip)).Result()
		if err != nil {
			return "", fmt.Errorf("code ip quota: %w", err)
		}
		if count == 1 {
			if err := s.redis.Expire(ctx, ipQuotaKey(ip), time.Hour).Err(); err != nil {
				log.Error().Err(err).Msg("failed to expire code ip quota")
			}
		}
		if count > int64(s.cfg.CodeIPHourlyLimit) {
			return "", ErrCodeIPLimit
		}
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	payload, _ := json.Marshal(codeRecord{Code: code})
	if err := s.redis.Set(ctx, codeKey(purpose, emailAddr), payload, s.cfg.CodeExpiry).Err(); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	return code, nil
}

// Verify consumes a code. A correct code works exactly once; wrong guesses
// count toward a lockout and a locked or expired code never verifies.
func (s *CodeStore) Verify(ctx context.Context, emailAddr, code, purpose string) error {
	locked, err := s.redis.Exists(ctx, lockKey(purpose, emailAddr)).Result()
	if err != nil {
		return fmt.Errorf("code lock check: %w", err)
	}
	if locked > 0 {
		return ErrCodeLocked
	}

	key := codeKey(purpose, emailAddr)
	raw, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCodeExpired
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	var rec codeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("decode code record: %w", err)
	}

	if rec.Code != code {
		rec.Attempts++
		if rec.Attempts >= s.cfg.CodeMaxAttempts {
			if err := s.redis.Set(ctx, lockKey(purpose, emailAddr), "1", s.cfg.CodeLock).Err(); err != nil {
				log.Error().Err(err).Msg("failed to install code lock")
			}
			s.redis.Del(ctx, key)
			return ErrCodeLocked
		}
		payload, _ := json.Marshal(rec)
		ttl, err := s.redis.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			ttl = s.cfg.CodeExpiry
		}
		if err := s.redis.Set(ctx, key, payload, ttl).Err(); err != nil {
			log.Error().Err(err).Msg("failed to record code attempt")
		}
		return fmt.Errorf("%w. %d attempts remaining", ErrCodeInvalid, s.cfg.CodeMaxAttempts-rec.Attempts)
	}

	// Single use.
	s.redis.Del(ctx, key)
	return nil
}
