package handlers

import (
	"math"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/p369349074/QuantDinger-sub001/internal/billing"
	"github.com/p369349074/QuantDinger-sub001/internal/config"
)

// SettingsHandlers exposes the admin settings editor. Saved values are
// written to the env file and applied to the running process, so billing
// and bonus changes take effect without a restart; connection-level keys
// (SMTP, OAuth, Turnstile) still need one.
type SettingsHandlers struct {
	cfg     config.Config
	billing *billing.Service
}

func NewSettingsHandlers(cfg config.Config, billingSvc *billing.Service) *SettingsHandlers {
	return &SettingsHandlers{cfg: cfg, billing: billingSvc}
}

// Schema returns the editable settings definitions.
func (h *SettingsHandlers) Schema(c *gin.Context) {
	respondOK(c, "success", config.Schema())
}

// Values returns current settings values, merged from the env file and
// defaults. Password keys additionally report whether a value is set.
func (h *SettingsHandlers) Values(c *gin.Context) {
	fileValues, err := config.ReadEnvFile(h.cfg.EnvFile)
	if err != nil {
		log.Error().Err(err).Str("path", h.cfg.EnvFile).Msg("Failed to read env file")
		respondFail(c, http.StatusInternalServerError, "Failed to read settings")
		return
	}

	result := make(map[string]map[string]any)
	for groupKey, group := range config.Schema() {
		values := make(map[string]any)
		for _, item := range group.Items {
			value, ok := fileValues[item.Key]
			if !ok {
				if value = os.Getenv(item.Key); value == "" {
					value = item.Default
				}
			}
			values[item.Key] = value
			if item.Type == config.TypePassword {
				values[item.Key+"_configured"] = value != ""
			}
		}
		result[groupKey] = values
	}
	respondOK(c, "success", result)
}

// Save merges the submitted values into the env file and the process
// environment. Unknown groups and keys are ignored.
func (h *SettingsHandlers) Save(c *gin.Context) {
	var payload map[string]map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil || len(payload) == 0 {
		respondFail(c, http.StatusBadRequest, "Invalid request payload")
		return
	}

	current, err := config.ReadEnvFile(h.cfg.EnvFile)
	if err != nil {
		log.Error().Err(err).Str("path", h.cfg.EnvFile).Msg("Failed to read env file")
		respondFail(c, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	schema := config.Schema()
	updated := make([]string, 0, 8)
	for groupKey, groupValues := range payload {
		group, ok := schema[groupKey]
		if !ok {
			continue
		}
		for _, item := range group.Items {
			raw, ok := groupValues[item.Key]
			if !ok {
				continue
			}
			value := settingString(raw)
			if value == "" && item.Required {
				continue
			}
			current[item.Key] = value
			os.Setenv(item.Key, value)
			updated = append(updated, item.Key)
		}
	}

	if err := config.WriteEnvFile(h.cfg.EnvFile, current); err != nil {
		log.Error().Err(err).Str("path", h.cfg.EnvFile).Msg("Failed to write env file")
		respondFail(c, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	h.billing.ClearConfigCache()
	log.Info().Strs("keys", updated).Msg("Settings saved")
	respondOK(c, "Settings saved successfully", gin.H{
		"updated_keys":     updated,
		"requires_restart": true,
	})
}

// RechargeContact returns the customer-service contact for credit recharges.
func (h *SettingsHandlers) RechargeContact(c *gin.Context) {
	url := os.Getenv("RECHARGE_CONTACT_URL")
	if url == "" {
		url = h.cfg.RechargeContactURL
	}
	respondOK(c, "success", gin.H{"url": url})
}

func settingString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		if val == math.Trunc(val) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
