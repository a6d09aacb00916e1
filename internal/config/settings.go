package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Setting value types, used by the admin settings UI to pick the input widget.
const (
	TypeText     = "text"
	TypePassword = "password"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
)

// SettingItem describes one editable environment key.
type SettingItem struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Type        string `json:"type"`
	Default     string `json:"default"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// SettingGroup is a titled collection of related settings.
type SettingGroup struct {
	Label string        `json:"label"`
	Items []SettingItem `json:"items"`
}

// Schema returns the editable settings, grouped for the admin UI.
func Schema() map[string]SettingGroup {
	return map[string]SettingGroup{
		"billing": {
			Label: "Billing",
			Items: []SettingItem{
				{Key: "BILLING_ENABLED", Label: "Billing Enabled", Type: TypeBoolean, Default: "false", Description: "Charge credits for billable features"},
				{Key: "BILLING_VIP_BYPASS", Label: "VIP Bypass", Type: TypeBoolean, Default: "true", Description: "Active VIP users skip credit charges"},
				{Key: "BILLING_COST_AI_ANALYSIS", Label: "AI Analysis Cost", Type: TypeNumber, Default: "10", Description: "Credits consumed per AI analysis"},
				{Key: "BILLING_COST_STRATEGY_RUN", Label: "Strategy Run Cost", Type: TypeNumber, Default: "5", Description: "Credits consumed when starting a strategy"},
				{Key: "BILLING_COST_BACKTEST", Label: "Backtest Cost", Type: TypeNumber, Default: "3", Description: "Credits consumed per backtest run"},
				{Key: "BILLING_COST_PORTFOLIO_MONITOR", Label: "Portfolio Monitor Cost", Type: TypeNumber, Default: "8", Description: "Credits consumed per portfolio monitoring run"},
				{Key: "BILLING_COST_INDICATOR_CREATE", Label: "Indicator Create Cost", Type: TypeNumber, Default: "0", Description: "Credits consumed per custom indicator"},
				{Key: "CREDITS_REGISTER_BONUS", Label: "Register Bonus", Type: TypeNumber, Default: "0", Description: "Credits awarded to new users on registration"},
				{Key: "CREDITS_REFERRAL_BONUS", Label: "Referral Bonus", Type: TypeNumber, Default: "0", Description: "Credits awarded to the referrer of a new user"},
				{Key: "RECHARGE_CONTACT_URL", Label: "Recharge Contact URL", Type: TypeText, Default: "https://t.me/quantdinger", Required: false, Description: "Customer service URL for recharge inquiries"},
			},
		},
		"security": {
			Label: "Security",
			Items: []SettingItem{
				{Key: "ENABLE_REGISTRATION", Label: "Registration Enabled", Type: TypeBoolean, Default: "true", Description: "Allow new account registration"},
				{Key: "TURNSTILE_SITE_KEY", Label: "Turnstile Site Key", Type: TypeText, Required: false, Description: "Cloudflare Turnstile site key"},
				{Key: "TURNSTILE_SECRET_KEY", Label: "Turnstile Secret Key", Type: TypePassword, Required: false, Description: "Cloudflare Turnstile secret key"},
				{Key: "SECURITY_IP_MAX_ATTEMPTS", Label: "IP Max Login Attempts", Type: TypeNumber, Default: "10", Description: "Failed logins from one IP before a temporary block"},
				{Key: "SECURITY_ACCOUNT_MAX_ATTEMPTS", Label: "Account Max Login Attempts", Type: TypeNumber, Default: "5", Description: "Failed logins on one account before a temporary lock"},
			},
		},
		"email": {
			Label: "Email",
			Items: []SettingItem{
				{Key: "SMTP_HOST", Label: "SMTP Host", Type: TypeText, Required: false, Description: "Outbound mail server"},
				{Key: "SMTP_PORT", Label: "SMTP Port", Type: TypeNumber, Default: "587", Description: "Outbound mail server port"},
				{Key: "SMTP_USERNAME", Label: "SMTP Username", Type: TypeText, Required: false, Description: "Outbound mail account"},
				{Key: "SMTP_PASSWORD", Label: "SMTP Password", Type: TypePassword, Required: false, Description: "Outbound mail password"},
				{Key: "SMTP_FROM", Label: "From Address", Type: TypeText, Required: false, Description: "Sender address on verification emails"},
			},
		},
		"oauth": {
			Label: "OAuth",
			Items: []SettingItem{
				{Key: "GOOGLE_CLIENT_ID", Label: "Google Client ID", Type: TypeText, Required: false, Description: "Google OAuth application ID"},
				{Key: "GOOGLE_CLIENT_SECRET", Label: "Google Client Secret", Type: TypePassword, Required: false, Description: "Google OAuth application secret"},
				{Key: "GOOGLE_REDIRECT_URI", Label: "Google Redirect URI", Type: TypeText, Required: false, Description: "Callback URL registered with Google"},
				{Key: "GITHUB_CLIENT_ID", Label: "GitHub Client ID", Type: TypeText, Required: false, Description: "GitHub OAuth application ID"},
				{Key: "GITHUB_CLIENT_SECRET", Label: "GitHub Client Secret", Type: TypePassword, Required: false, Description: "GitHub OAuth application secret"},
				{Key: "GITHUB_REDIRECT_URI", Label: "GitHub Redirect URI", Type: TypeText, Required: false, Description: "Callback URL registered with GitHub"},
			},
		},
	}
}

// ReadEnvFile parses KEY=VALUE lines from path. A missing file yields an
// empty map, not an error.
func ReadEnvFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key != "" {
			values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return values, nil
}

// WriteEnvFile writes values as sorted KEY=VALUE lines, replacing path.
func WriteEnvFile(path string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%s=%s\n", key, values[key])
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace env file: %w", err)
	}
	return nil
}
