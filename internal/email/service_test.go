package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorderSender struct {
	to      string
	subject string
	body    string
	sent    int
}

func (r *recorderSender) Send(to, subject, htmlBody string) error {
	r.to, r.subject, r.body = to, subject, htmlBody
	r.sent++
	return nil
}

func TestValidAddress(t *testing.T) {
	valid := []string{"user@example.com", "first.last+tag@sub.domain.org", "a_b-c@x.co"}
	for _, addr := range valid {
		assert.True(t, ValidAddress(addr), addr)
	}
	invalid := []string{"", "plain", "no@tld", "@example.com", "user@", "user@.com", "user @example.com"}
	for _, addr := range invalid {
		assert.False(t, ValidAddress(addr), addr)
	}
}

func TestSendCodeDeliversMail(t *testing.T) {
	codes, _ := testCodeStore(t)
	rec := &recorderSender{}
	svc := NewService(codes, rec)

	err := svc.SendCode(context.Background(), "user@example.com", PurposeRegister, "1.2.3.4", 10)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.sent)
	assert.Equal(t, "user@example.com", rec.to)
	assert.Contains(t, rec.subject, "Registration")
	assert.Contains(t, rec.body, "complete your registration")
	assert.Contains(t, rec.body, "expire in 10 minutes")

	// The mailed code is the stored one.
	var code string
	for i := 0; i < len(rec.body)-6; i++ {
		if isDigits(rec.body[i : i+6]) {
			code = rec.body[i : i+6]
			break
		}
	}
	require.NotEmpty(t, code)
	assert.NoError(t, codes.Verify(context.Background(), "user@example.com", code, PurposeRegister))
}

func TestSendCodeCooldownPropagates(t *testing.T) {
	codes, _ := testCodeStore(t)
	rec := &recorderSender{}
	svc := NewService(codes, rec)

	require.NoError(t, svc.SendCode(context.Background(), "user@example.com", PurposeLogin, "", 10))
	err := svc.SendCode(context.Background(), "user@example.com", PurposeLogin, "", 10)
	assert.ErrorIs(t, err, ErrCodeCooldown)
	assert.Equal(t, 1, rec.sent, "no mail goes out when issuing fails")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
