package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SignalingURL = "http://not-a-socket"
	cfg.ConnectAttempts = 0
	cfg.NegotiationCap = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("broken config accepted")
	}
	for _, want := range []string{"signaling_url", "connect_attempts", "negotiation_cap"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidateSTUNScheme(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.STUNServers = []string{"stun:stun.example.com:3478", "https://nope"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("bad stun scheme accepted")
	}
}

func TestValidateEmptySTTURLDisablesSection(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.STT.URL = ""
	cfg.STT.BatchChunks = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled transcription section still validated: %v", err)
	}
}
