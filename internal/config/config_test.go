package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const testPayAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{"PAY_ADDRESS": testPayAddress},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"PAY_ADDRESS":      testPayAddress,
				"SERVICE_NAME":     "test-service",
				"LISTEN_PORT":      "4444",
				"START_DIFFICULTY": "2.0",
				"JOB_WINDOW":       "4",
			},
			wantErr: false,
		},
		{
			name:    "missing pay address",
			envVars: map[string]string{},
			wantErr: true,
		},
		{
			name: "invalid port",
			envVars: map[string]string{
				"PAY_ADDRESS": testPayAddress,
				"LISTEN_PORT": "99999",
			},
			wantErr: true,
		},
		{
			name: "window too small",
			envVars: map[string]string{
				"PAY_ADDRESS": testPayAddress,
				"JOB_WINDOW":  "1",
			},
			wantErr: true,
		},
		{
			name: "unknown network",
			envVars: map[string]string{
				"PAY_ADDRESS": testPayAddress,
				"NETWORK":     "dogenet",
			},
			wantErr: true,
		},
		{
			name: "bad version mask",
			envVars: map[string]string{
				"PAY_ADDRESS":  testPayAddress,
				"VERSION_MASK": "xyz",
			},
			wantErr: true,
		},
		{
			name: "bad kafka encoding",
			envVars: map[string]string{
				"PAY_ADDRESS":    testPayAddress,
				"KAFKA_ENCODING": "avro",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PAY_ADDRESS", "")
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cfg.ServiceName == "" {
					t.Error("ServiceName should not be empty")
				}
				if cfg.ListenPort <= 0 {
					t.Error("ListenPort should be positive")
				}
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAY_ADDRESS", testPayAddress)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.VardiffEnabled {
		t.Error("vardiff should be off by default")
	}
	if cfg.JobWindow != 16 {
		t.Errorf("JobWindow = %d, want 16", cfg.JobWindow)
	}
	if cfg.ExtraNonce1Size != 4 {
		t.Errorf("ExtraNonce1Size = %d, want 4", cfg.ExtraNonce1Size)
	}
	if cfg.TemplatePollInterval != 5*time.Second || cfg.RefreshInterval != 30*time.Second {
		t.Errorf("intervals = %v/%v", cfg.TemplatePollInterval, cfg.RefreshInterval)
	}
	if cfg.DegradedAfter != 3 || cfg.SubmitRetries != 3 {
		t.Errorf("DegradedAfter = %d, SubmitRetries = %d", cfg.DegradedAfter, cfg.SubmitRetries)
	}
	if cfg.StratumAddr() != "0.0.0.0:3333" {
		t.Errorf("StratumAddr() = %s", cfg.StratumAddr())
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.toml")
	data := `
[server]
listen_port = 4000
metrics_addr = ""

[stratum]
start_difficulty = 512.0
vardiff = true
job_window = 8
version_mask = "1fffe000"

[node]
network = "regtest"
pay_address = "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080"

[pump]
poll_interval = "2s"
degraded_after = 5

[sinks]
kafka_brokers = ["k1:9092", "k2:9092"]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PAY_ADDRESS", "")
	t.Setenv("DEGRADED_AFTER", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if cfg.ListenPort != 4000 {
		t.Errorf("ListenPort = %d", cfg.ListenPort)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("empty file value should keep default, got %q", cfg.MetricsAddr)
	}
	if cfg.StartDifficulty != 512 || !cfg.VardiffEnabled || cfg.JobWindow != 8 {
		t.Errorf("stratum section not applied: %+v", cfg)
	}
	if cfg.TemplatePollInterval != 2*time.Second {
		t.Errorf("TemplatePollInterval = %v", cfg.TemplatePollInterval)
	}
	if cfg.DegradedAfter != 7 {
		t.Errorf("env should win over file, DegradedAfter = %d", cfg.DegradedAfter)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	params, err := cfg.ChainParams()
	if err != nil || params.Name != "regtest" {
		t.Errorf("ChainParams() = %v, %v", params, err)
	}
}

func TestLoad_FileErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "[server\nlisten_port = 1"},
		{"duration", "[pump]\npoll_interval = \"soon\""},
		{"mask", "[stratum]\nversion_mask = \"nothex\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".toml")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatal(err)
			}
			t.Setenv("CONFIG_FILE", path)
			t.Setenv("PAY_ADDRESS", testPayAddress)

			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}

	t.Run("missing", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(dir, "absent.toml"))
		t.Setenv("PAY_ADDRESS", testPayAddress)
		if _, err := Load(); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		c := defaults()
		c.PayAddress = testPayAddress
		return c
	}

	if err := valid().validate(); err != nil {
		t.Errorf("validate() should not fail for valid config: %v", err)
	}

	invalid := map[string]func(*Config){
		"empty service":       func(c *Config) { c.ServiceName = "" },
		"zero port":           func(c *Config) { c.ListenPort = 0 },
		"zero min difficulty": func(c *Config) { c.MinDifficulty = 0 },
		"max below min":       func(c *Config) { c.MaxDifficulty = 0.5 },
		"start above max":     func(c *Config) { c.StartDifficulty = c.MaxDifficulty * 2 },
		"extranonce1 size":    func(c *Config) { c.ExtraNonce1Size = 0 },
		"extranonce2 size":    func(c *Config) { c.ExtraNonce2Size = 32 },
		"degraded after":      func(c *Config) { c.DegradedAfter = 0 },
		"submit retries":      func(c *Config) { c.SubmitRetries = 0 },
		"poll interval":       func(c *Config) { c.TemplatePollInterval = 0 },
	}

	for name, mutate := range invalid {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			if err := c.validate(); err == nil {
				t.Error("validate() should fail")
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "test_value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_FLOAT", "3.14")
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_SLICE", " a:1, b:2 ,,c:3")

	if got := getEnv("TEST_STRING", "default"); got != "test_value" {
		t.Errorf("getEnv() = %v, want %v", got, "test_value")
	}
	if got := getEnv("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want %v", got, "default")
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want %v", got, 42)
	}
	if got := getEnvInt("NONEXISTENT", 99); got != 99 {
		t.Errorf("getEnvInt() = %v, want %v", got, 99)
	}
	if got := getEnvFloat("TEST_FLOAT", 0.0); got != 3.14 {
		t.Errorf("getEnvFloat() = %v, want %v", got, 3.14)
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want %v", got, 30*time.Second)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}
	want := []string{"a:1", "b:2", "c:3"}
	if got := getEnvSlice("TEST_SLICE", nil); !reflect.DeepEqual(got, want) {
		t.Errorf("getEnvSlice() = %v, want %v", got, want)
	}
}

func TestParseMask(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"1fffe000", 0x1fffe000, false},
		{"0x1FFFE000", 0x1fffe000, false},
		{"ffffffff", 0xffffffff, false},
		{"100000000", 0, true},
		{"zz", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMask(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseMask(%q) = %x, %v", tt.in, got, err)
		}
	}
}
