package config

import "reflect"

// RedactedValue replaces secrets in displayed configuration.
const RedactedValue = "[REDACTED]"

// Redacted returns a copy of cfg with every non-empty field tagged
// `redact:"true"` replaced by RedactedValue.
func Redacted(cfg *Config) *Config {
	cp := *cfg
	cp.TrustedProxies.CIDRs = append([]string(nil), cfg.TrustedProxies.CIDRs...)
	cp.TrustedProxies.Headers = append([]string(nil), cfg.TrustedProxies.Headers...)
	cp.Sandbox.Runtimes = make(map[string]RuntimeConfig, len(cfg.Sandbox.Runtimes))
	for k, v := range cfg.Sandbox.Runtimes {
		cp.Sandbox.Runtimes[k] = v
	}
	walkStrings(reflect.ValueOf(&cp), "", func(f reflect.Value, _ string, tag reflect.StructTag) {
		if tag.Get("redact") == "true" && f.String() != "" {
			f.SetString(RedactedValue)
		}
	})
	return &cp
}
