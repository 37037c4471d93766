package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the meeting core. The retry bounds and
// delays default to the values the coordination server is provisioned for;
// override them via config file or environment when testing against a
// different deployment.
type Config struct {
	// Signaling transport
	SignalingURL    string        `mapstructure:"signaling_url"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`

	// Negotiation
	NegotiationCap   int           `mapstructure:"negotiation_cap"`
	NegotiationRetry time.Duration `mapstructure:"negotiation_retry"`
	Polite           bool          `mapstructure:"polite"`

	// Session
	RejoinDelay time.Duration `mapstructure:"rejoin_delay"`

	// ICE
	STUNServers []string `mapstructure:"stun_servers"`

	STT       STTConfig       `mapstructure:"stt"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

// STTConfig configures the transcription pipeline.
type STTConfig struct {
	URL             string `mapstructure:"url"`
	Model           string `mapstructure:"model"`
	SourceRate      int    `mapstructure:"source_rate"`
	TargetRate      int    `mapstructure:"target_rate"`
	BatchChunks     int    `mapstructure:"batch_chunks"`
	ConnectAttempts int    `mapstructure:"connect_attempts"`
	SubtitleCap     int    `mapstructure:"subtitle_cap"`
	ChannelCap      int    `mapstructure:"channel_subtitle_cap"`
}

// DirectoryConfig points at the user-profile database.
type DirectoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL:     "ws://localhost:7000/ws",
		ConnectAttempts:  3,
		ConnectDelay:     2 * time.Second,
		AckTimeout:       5 * time.Second,
		NegotiationCap:   7,
		NegotiationRetry: time.Second,
		Polite:           true,
		RejoinDelay:      2 * time.Second,
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		STT: STTConfig{
			URL:             "ws://localhost:9090",
			Model:           "small",
			SourceRate:      44100,
			TargetRate:      16000,
			BatchChunks:     4,
			ConnectAttempts: 3,
			SubtitleCap:     5,
			ChannelCap:      3,
		},
		Directory: DirectoryConfig{
			DSN: "postgres://localhost:5432/meetcore?sslmode=disable",
		},
	}
}

// Load reads an optional config file plus MEETCORE_* environment
// overrides on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MEETCORE")
	v.AutomaticEnv()

	def := NewDefaultConfig()
	v.SetDefault("signaling_url", def.SignalingURL)
	v.SetDefault("connect_attempts", def.ConnectAttempts)
	v.SetDefault("connect_delay", def.ConnectDelay)
	v.SetDefault("ack_timeout", def.AckTimeout)
	v.SetDefault("negotiation_cap", def.NegotiationCap)
	v.SetDefault("negotiation_retry", def.NegotiationRetry)
	v.SetDefault("polite", def.Polite)
	v.SetDefault("rejoin_delay", def.RejoinDelay)
	v.SetDefault("stun_servers", def.STUNServers)
	v.SetDefault("stt.url", def.STT.URL)
	v.SetDefault("stt.model", def.STT.Model)
	v.SetDefault("stt.source_rate", def.STT.SourceRate)
	v.SetDefault("stt.target_rate", def.STT.TargetRate)
	v.SetDefault("stt.batch_chunks", def.STT.BatchChunks)
	v.SetDefault("stt.connect_attempts", def.STT.ConnectAttempts)
	v.SetDefault("stt.subtitle_cap", def.STT.SubtitleCap)
	v.SetDefault("stt.channel_subtitle_cap", def.STT.ChannelCap)
	v.SetDefault("directory.dsn", def.Directory.DSN)

	if path := os.Getenv("MEETCORE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
