// Package config loads and validates the voice bridge's YAML configuration,
// following the same default-then-validate shape the SIP/Telegram bridge
// this module descends from used for its own settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSIPBindPort        = 5060
	defaultTransport          = "udp"
	defaultSampleRate8k       = 8000
	defaultSampleRate24k      = 24000
	defaultFrameMs            = 20
	defaultTargetFrames       = 6
	defaultHighFrames         = 9
	defaultCapFrames          = 12
	defaultMaxPoolSize        = 3
	defaultMaxReuseCount      = 5
	defaultResponseWatchdogMs = 100
	defaultPrimeSilenceFrames = 12
	defaultHookMaxPending     = 8
	defaultFirstFrameTimeout  = 5 * time.Second
	defaultSessionOpenTimeout = 10 * time.Second
	defaultDiagnosticsWindow  = 50
)

// Config is the validated, fully-defaulted runtime configuration.
type Config struct {
	SIPBindPort   int
	SIPTransport  string
	SIPExternalIP string
	SIPAuthUser   string
	SIPAuthPass   string
	SIPAuthRealm  string
	SIPProvider   string

	EstablishTimeout time.Duration

	Model        string
	Voice        string
	Instructions string
	AuthToken    string
	SpeakFirst   bool

	TargetFrames int
	HighFrames   int
	CapFrames    int

	MaxPoolSize   int
	MaxReuseCount int

	PrimeSilenceFrames int
	HookMaxPending     int
	ResponseWatchdog   time.Duration
	FirstFrameTimeout  time.Duration
	SessionOpenTimeout time.Duration
	DiagnosticsWindow  int

	EnableEarlyMedia bool

	MaxActiveCalls int64
}

type yamlConfig struct {
	SIP struct {
		BindPort     int    `yaml:"bind_port"`
		Transport    string `yaml:"transport"`
		ExternalIP   string `yaml:"external_ip"`
		AuthUser     string `yaml:"auth_user"`
		AuthPassword string `yaml:"auth_password"`
		AuthRealm    string `yaml:"auth_realm"`
		Provider     string `yaml:"provider"`
		EarlyMedia   bool   `yaml:"early_media"`
	} `yaml:"sip"`
	Model struct {
		Name         string `yaml:"name"`
		Voice        string `yaml:"voice"`
		Instructions string `yaml:"instructions"`
		AuthToken    string `yaml:"auth_token"`
		SpeakFirst   bool   `yaml:"speak_first"`
	} `yaml:"model"`
	Call struct {
		EstablishTimeout  string `yaml:"establish_timeout"`
		MaxActiveCalls    int64  `yaml:"max_active_calls"`
		ResponseWatchdog  int    `yaml:"response_watchdog_ms"`
		SessionOpenMs     int    `yaml:"session_open_timeout_ms"`
		FirstFrameTimeout int    `yaml:"first_frame_timeout_ms"`
	} `yaml:"call"`
	Ring struct {
		TargetFrames       int `yaml:"target_frames"`
		HighFrames         int `yaml:"high_frames"`
		CapFrames          int `yaml:"cap_frames"`
		PrimeSilenceFrames int `yaml:"prime_silence_frames"`
	} `yaml:"ring"`
	Pool struct {
		MaxSize   int `yaml:"max_size"`
		MaxReuses int `yaml:"max_reuse_count"`
	} `yaml:"pool"`
	Router struct {
		HookMaxPending int `yaml:"hook_max_pending"`
	} `yaml:"router"`
	Diagnostics struct {
		Window int `yaml:"window"`
	} `yaml:"diagnostics"`
}

// Load reads and validates the YAML config at path, applying defaults first.
func Load(path string) (Config, error) {
	cfg := Config{
		SIPBindPort:        defaultSIPBindPort,
		SIPTransport:       defaultTransport,
		EstablishTimeout:   25 * time.Second,
		TargetFrames:       defaultTargetFrames,
		HighFrames:         defaultHighFrames,
		CapFrames:          defaultCapFrames,
		MaxPoolSize:        defaultMaxPoolSize,
		MaxReuseCount:      defaultMaxReuseCount,
		PrimeSilenceFrames: defaultPrimeSilenceFrames,
		HookMaxPending:     defaultHookMaxPending,
		ResponseWatchdog:   defaultResponseWatchdogMs * time.Millisecond,
		FirstFrameTimeout:  defaultFirstFrameTimeout,
		SessionOpenTimeout: defaultSessionOpenTimeout,
		DiagnosticsWindow:  defaultDiagnosticsWindow,
		EnableEarlyMedia:   true,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if yc.SIP.BindPort > 0 {
		cfg.SIPBindPort = yc.SIP.BindPort
	}
	if yc.SIP.Transport != "" {
		cfg.SIPTransport = strings.ToLower(yc.SIP.Transport)
	}
	if cfg.SIPTransport != "udp" && cfg.SIPTransport != "tcp" {
		return Config{}, fmt.Errorf("sip.transport must be 'udp' or 'tcp', got %q", cfg.SIPTransport)
	}
	cfg.SIPExternalIP = yc.SIP.ExternalIP
	cfg.SIPAuthUser = yc.SIP.AuthUser
	cfg.SIPAuthPass = yc.SIP.AuthPassword
	if (cfg.SIPAuthUser == "") != (cfg.SIPAuthPass == "") {
		return Config{}, errors.New("sip.auth_user and sip.auth_password must be set together")
	}
	cfg.SIPAuthRealm = yc.SIP.AuthRealm
	cfg.SIPProvider = yc.SIP.Provider
	cfg.EnableEarlyMedia = yc.SIP.EarlyMedia

	if yc.Model.Name == "" {
		return Config{}, errors.New("model.name is required")
	}
	cfg.Model = yc.Model.Name
	cfg.Voice = yc.Model.Voice
	cfg.Instructions = yc.Model.Instructions
	cfg.AuthToken = yc.Model.AuthToken
	cfg.SpeakFirst = yc.Model.SpeakFirst

	if yc.Call.EstablishTimeout != "" {
		timeout, err := time.ParseDuration(yc.Call.EstablishTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("invalid call.establish_timeout: %w", err)
		}
		cfg.EstablishTimeout = timeout
	}
	if yc.Call.MaxActiveCalls > 0 {
		cfg.MaxActiveCalls = yc.Call.MaxActiveCalls
	}
	if yc.Call.ResponseWatchdog > 0 {
		cfg.ResponseWatchdog = time.Duration(yc.Call.ResponseWatchdog) * time.Millisecond
	}
	if yc.Call.SessionOpenMs > 0 {
		cfg.SessionOpenTimeout = time.Duration(yc.Call.SessionOpenMs) * time.Millisecond
	}
	if yc.Call.FirstFrameTimeout > 0 {
		cfg.FirstFrameTimeout = time.Duration(yc.Call.FirstFrameTimeout) * time.Millisecond
	}

	if yc.Ring.TargetFrames > 0 {
		cfg.TargetFrames = yc.Ring.TargetFrames
	}
	if yc.Ring.HighFrames > 0 {
		cfg.HighFrames = yc.Ring.HighFrames
	}
	if yc.Ring.CapFrames > 0 {
		cfg.CapFrames = yc.Ring.CapFrames
	}
	if yc.Ring.PrimeSilenceFrames > 0 {
		cfg.PrimeSilenceFrames = yc.Ring.PrimeSilenceFrames
	}
	if !(cfg.TargetFrames < cfg.HighFrames && cfg.HighFrames < cfg.CapFrames) {
		return Config{}, fmt.Errorf("ring thresholds must satisfy target < high < cap, got %d/%d/%d", cfg.TargetFrames, cfg.HighFrames, cfg.CapFrames)
	}

	if yc.Pool.MaxSize > 0 {
		cfg.MaxPoolSize = yc.Pool.MaxSize
	}
	if yc.Pool.MaxReuses > 0 {
		cfg.MaxReuseCount = yc.Pool.MaxReuses
	}

	if yc.Router.HookMaxPending > 0 {
		cfg.HookMaxPending = yc.Router.HookMaxPending
	}

	if yc.Diagnostics.Window > 0 {
		cfg.DiagnosticsWindow = yc.Diagnostics.Window
	}

	return cfg, nil
}
