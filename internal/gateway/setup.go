package gateway

import (
	"net/http"

	"github.com/streamvault/entitlements/internal/config"
)

// FromConfig builds the registry of enabled vendors. Every adapter shares
// one HTTP client bounded by GATEWAY_TIMEOUT.
func FromConfig(cfg *config.Config) (*Registry, error) {
	hc := &http.Client{Timeout: cfg.GatewayTimeout}
	retry := DefaultRetryPolicy()
	retry.MaxAttempts = cfg.GatewayRetries + 1
	retry.BaseDelay = cfg.GatewayRetryBackoff
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}

	var adapters []Adapter
	if cfg.RazorpayEnabled {
		rp, err := NewRazorpay(RazorpayConfig{
			BaseURL:       cfg.RazorpayBaseURL,
			KeyID:         cfg.RazorpayKeyID,
			KeySecret:     cfg.RazorpayKeySecret,
			WebhookSecret: cfg.RazorpayWebhookSecret,
		}, hc, retry)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, rp)
	}
	if cfg.CashfreeEnabled {
		cf, err := NewCashfree(CashfreeConfig{
			BaseURL:       cfg.CashfreeBaseURL,
			ClientID:      cfg.CashfreeClientID,
			ClientSecret:  cfg.CashfreeClientSecret,
			WebhookSecret: cfg.CashfreeWebhookSecret,
			ReturnURL:     cfg.CashfreeReturnURL,
		}, hc, retry)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, cf)
	}
	return NewRegistry(adapters...), nil
}
