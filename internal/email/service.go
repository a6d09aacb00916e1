package email

import (
	"context"
	"fmt"
	"regexp"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidAddress does a basic shape check on an email address.
func ValidAddress(addr string) bool {
	return emailPattern.MatchString(addr)
}

// Service issues verification codes and mails them out.
type Service struct {
	codes  *CodeStore
	sender Sender
}

func NewService(codes *CodeStore, sender Sender) *Service {
	return &Service{codes: codes, sender: sender}
}

func (s *Service) Codes() *CodeStore { return s.codes }

var purposeSubjects = map[string][2]string{
	PurposeRegister:       {"QuantDinger - Verification Code for Registration", "complete your registration"},
	PurposeLogin:          {"QuantDinger - Quick Login Verification Code", "log in to your account"},
	PurposeResetPassword:  {"QuantDinger - Password Reset Verification Code", "reset your password"},
	PurposeChangePassword: {"QuantDinger - Verification Code for Password Change", "change your password"},
	PurposeChangeEmail:    {"QuantDinger - Verification Code for Email Change", "change your email address"},
}

// SendCode issues a fresh code for the purpose and delivers it by mail.
func (s *Service) SendCode(ctx context.Context, emailAddr, purpose, ip string, expireMinutes int) error {
	code, err := s.codes.Issue(ctx, emailAddr, purpose, ip)
	if err != nil {
		return err
	}

	subject := "QuantDinger - Verification Code"
	action := "complete the verification"
	if v, ok := purposeSubjects[purpose]; ok {
		subject, action = v[0], v[1]
	}

	return s.sender.Send(emailAddr, subject, codeBody(code, action, expireMinutes))
}

func codeBody(code, action string, expireMinutes int) string {
	return fmt.Sprintf(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="text-align: center; margin-bottom: 30px;">
    <h1 style="color: #1890ff; margin: 0;">QuantDinger</h1>
    <p style="color: #666; margin-top: 5px;">AI-Driven Quantitative Insights</p>
  </div>
  <div style="background: #f5f5f5; border-radius: 8px; padding: 30px; text-align: center;">
    <p style="color: #333; font-size: 16px; margin: 0 0 20px 0;">Your verification code to %s is:</p>
    <div style="background: #fff; border: 2px solid #1890ff; border-radius: 8px; padding: 20px; display: inline-block;">
      <span style="font-size: 32px; font-weight: bold; letter-spacing: 8px; color: #1890ff;">%s</span>
    </div>
    <p style="color: #999; font-size: 14px; margin-top: 20px;">This code will expire in %d minutes.</p>
  </div>
  <div style="margin-top: 30px; padding: 20px; background: #fff8e6; border-radius: 8px;">
    <p style="color: #d48806; font-size: 14px; margin: 0;"><strong>Security Notice:</strong> If you did not request this code, please ignore this email. Do not share this code with anyone.</p>
  </div>
  <div style="text-align: center; margin-top: 30px; color: #999; font-size: 12px;">
    <p>&copy; QuantDinger. All rights reserved.</p>
  </div>
</div>`, action, code, expireMinutes)
}
