package config

import (
	"strings"
	"testing"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: Config{
				Runtime: RuntimeConfig{Strictness: "standard"},
			},
			wantErr: false,
		},
		{
			name: "invalid strictness",
			config: Config{
				Runtime: RuntimeConfig{Strictness: "paranoid"},
			},
			wantErr: true,
			errMsg:  "invalid strictness",
		},
		{
			name: "invalid strategy",
			config: Config{
				Runtime: RuntimeConfig{Strictness: "standard"},
				Task:    TaskConfig{Strategy: "leisurely"},
			},
			wantErr: true,
			errMsg:  "invalid strategy",
		},
		{
			name: "valid quick strategy",
			config: Config{
				Runtime: RuntimeConfig{Strictness: "lenient"},
				Task:    TaskConfig{Strategy: "quick"},
			},
			wantErr: false,
		},
		{
			name: "invalid provider timeout",
			config: Config{
				Runtime:  RuntimeConfig{Strictness: "standard"},
				Provider: ProviderConfig{Timeout: "soon"},
			},
			wantErr: true,
			errMsg:  "invalid provider timeout",
		},
		{
			name: "valid provider timeout",
			config: Config{
				Runtime:  RuntimeConfig{Strictness: "strict"},
				Provider: ProviderConfig{Timeout: "2m30s"},
			},
			wantErr: false,
		},
		{
			name: "exporter enabled without endpoint",
			config: Config{
				Runtime:  RuntimeConfig{Strictness: "standard"},
				Exporter: ExporterConfig{Enabled: true, PublicKey: "pk", SecretKey: "sk"},
			},
			wantErr: true,
			errMsg:  "exporter endpoint is required",
		},
		{
			name: "exporter enabled without keys",
			config: Config{
				Runtime:  RuntimeConfig{Strictness: "standard"},
				Exporter: ExporterConfig{Enabled: true, Endpoint: "https://traces.example.com"},
			},
			wantErr: true,
			errMsg:  "exporter keys are required",
		},
		{
			name: "exporter fully configured",
			config: Config{
				Runtime: RuntimeConfig{Strictness: "standard"},
				Exporter: ExporterConfig{
					Enabled: true, Endpoint: "https://traces.example.com",
					PublicKey: "pk", SecretKey: "sk",
				},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.errMsg)
					return
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.errMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.Runtime.BaseDir != ".taskpilot" {
		t.Errorf("BaseDir = %q, want .taskpilot", cfg.Runtime.BaseDir)
	}
	if cfg.Runtime.Strictness != "standard" {
		t.Errorf("Strictness = %q, want standard", cfg.Runtime.Strictness)
	}
	if cfg.Provider.Timeout != "90s" {
		t.Errorf("Provider.Timeout = %q, want 90s", cfg.Provider.Timeout)
	}

	// Defaults never clobber explicit settings.
	cfg = &Config{Runtime: RuntimeConfig{BaseDir: "/var/lib/taskpilot", Strictness: "strict"}}
	applyDefaults(cfg)
	if cfg.Runtime.BaseDir != "/var/lib/taskpilot" || cfg.Runtime.Strictness != "strict" {
		t.Errorf("defaults overwrote explicit settings: %+v", cfg.Runtime)
	}
}

func TestProviderTimeout(t *testing.T) {
	cfg := &Config{Provider: ProviderConfig{Timeout: "45s"}}
	if got := cfg.ProviderTimeout(); got.Seconds() != 45 {
		t.Errorf("ProviderTimeout = %v, want 45s", got)
	}
	bad := &Config{Provider: ProviderConfig{Timeout: "nope"}}
	if got := bad.ProviderTimeout(); got != 0 {
		t.Errorf("ProviderTimeout on invalid input = %v, want 0", got)
	}
}
