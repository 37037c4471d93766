package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator collects every problem found instead of stopping at the
// first, so one run reports the whole broken config.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Validate delegates to per-section validators.
func (c *Config) Validate() error {
	v := &Validator{}

	validateSignaling(v, c)
	validateNegotiation(v, c)
	validateICE(v, c)
	validateSTT(v, &c.STT)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateSignaling(v *Validator, c *Config) {
	validateSocketURL(v, "signaling_url", c.SignalingURL)
	if c.ConnectAttempts < 1 {
		v.AddError("connect_attempts must be at least 1, got %d", c.ConnectAttempts)
	}
	if c.ConnectDelay < 0 {
		v.AddError("connect_delay cannot be negative: %s", c.ConnectDelay)
	}
	if c.AckTimeout <= 0 {
		v.AddError("ack_timeout must be positive, got %s", c.AckTimeout)
	}
	if c.RejoinDelay < 0 {
		v.AddError("rejoin_delay cannot be negative: %s", c.RejoinDelay)
	}
}

func validateNegotiation(v *Validator, c *Config) {
	if c.NegotiationCap < 1 {
		v.AddError("negotiation_cap must be at least 1, got %d", c.NegotiationCap)
	}
	if c.NegotiationRetry < 0 {
		v.AddError("negotiation_retry cannot be negative: %s", c.NegotiationRetry)
	}
}

func validateICE(v *Validator, c *Config) {
	for _, s := range c.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			v.AddError("stun server %q must use a stun: or turn: scheme", s)
		}
	}
}

func validateSTT(v *Validator, c *STTConfig) {
	if c.URL == "" {
		// Transcription is optional; an empty URL disables validation of
		// the rest of the section.
		return
	}
	validateSocketURL(v, "stt.url", c.URL)
	if c.SourceRate <= 0 || c.TargetRate <= 0 {
		v.AddError("stt sample rates must be positive, got %d -> %d", c.SourceRate, c.TargetRate)
	}
	if c.BatchChunks < 1 {
		v.AddError("stt.batch_chunks must be at least 1, got %d", c.BatchChunks)
	}
	if c.ConnectAttempts < 1 {
		v.AddError("stt.connect_attempts must be at least 1, got %d", c.ConnectAttempts)
	}
	if c.SubtitleCap < 1 {
		v.AddError("stt.subtitle_cap must be at least 1, got %d", c.SubtitleCap)
	}
	if c.ChannelCap < 1 {
		v.AddError("stt.channel_subtitle_cap must be at least 1, got %d", c.ChannelCap)
	}
}

func validateSocketURL(v *Validator, field, raw string) {
	if raw == "" {
		v.AddError("%s is required", field)
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		v.AddError("%s is not a valid URL: %v", field, err)
		return
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		v.AddError("%s must use a ws:// or wss:// scheme, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		v.AddError("%s is missing a host", field)
	}
}
