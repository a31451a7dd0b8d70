package resolver

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PatternAccount routes a payment to Account when its description contains any of
// the fragments (case insensitive).
type PatternAccount struct {
	Contains []string `yaml:"contains"`
	Account  string   `yaml:"account"`
}

// PaymentConfig is the static table consulted after the direct ledger lookup.
type PaymentConfig struct {
	// LedgerAccounts maps a ledger code to a host account name.
	LedgerAccounts map[string]string `yaml:"ledger_accounts"`
	Patterns       []PatternAccount  `yaml:"patterns"`
}

func DefaultPaymentConfig() PaymentConfig {
	return PaymentConfig{
		LedgerAccounts: map[string]string{
			"1000": "Kas",
			"1100": "Bank",
		},
		Patterns: []PatternAccount{
			{Contains: []string{"triodos"}, Account: "Triodos Bank"},
			{Contains: []string{"paypal"}, Account: "PayPal"},
			{Contains: []string{"mollie"}, Account: "Mollie"},
			{Contains: []string{"kas", "cash", "contant"}, Account: "Kas"},
		},
	}
}

// LoadPaymentConfig parses YAML. An empty document yields the defaults; a partial one
// keeps the default for the section it leaves out.
func LoadPaymentConfig(data []byte) (PaymentConfig, error) {
	def := DefaultPaymentConfig()
	if strings.TrimSpace(string(data)) == "" {
		return def, nil
	}
	var cfg PaymentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PaymentConfig{}, fmt.Errorf("failed to parse payment config: %w", err)
	}
	if cfg.LedgerAccounts == nil {
		cfg.LedgerAccounts = def.LedgerAccounts
	}
	if cfg.Patterns == nil {
		cfg.Patterns = def.Patterns
	}
	for i, p := range cfg.Patterns {
		if p.Account == "" || len(p.Contains) == 0 {
			return PaymentConfig{}, fmt.Errorf("payment config pattern %d needs contains and account", i)
		}
	}
	return cfg, nil
}

func ReadPaymentConfigFile(path string) (PaymentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PaymentConfig{}, fmt.Errorf("failed to read payment config: %w", err)
	}
	return LoadPaymentConfig(data)
}

// AccountForCode returns the configured account name for a ledger code.
func (c PaymentConfig) AccountForCode(code string) (string, bool) {
	name, ok := c.LedgerAccounts[code]
	return name, ok && name != ""
}

// AccountForDescription returns the first pattern hit.
func (c PaymentConfig) AccountForDescription(desc string) (string, bool) {
	desc = strings.ToLower(desc)
	if desc == "" {
		return "", false
	}
	for _, p := range c.Patterns {
		for _, frag := range p.Contains {
			if frag != "" && strings.Contains(desc, strings.ToLower(frag)) {
				return p.Account, true
			}
		}
	}
	return "", false
}
