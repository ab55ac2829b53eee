package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
device:
  name: kitchen
  address: 0.0.0.0
  port: 7000
  volume: 80
  latency_ms: 250

health:
  enabled: true
  addr: 127.0.0.1:9998

artwork:
  timeout_ms: 8000
  tmp_dir: /var/tmp/cliap2

log:
  level: 4
  domains: metadata,timing
`

func writeTempConfig(t *testing.T, data string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestLoadConfig verifies basic YAML parsing and validation.
func TestLoadConfig(t *testing.T) {
	configPath := writeTempConfig(t, validYAML)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Device.Name != "kitchen" {
		t.Errorf("Device.Name = %q, want \"kitchen\"", cfg.Device.Name)
	}
	if cfg.Device.Port != 7000 {
		t.Errorf("Device.Port = %d, want 7000", cfg.Device.Port)
	}
	if cfg.Device.Volume != 80 {
		t.Errorf("Device.Volume = %d, want 80", cfg.Device.Volume)
	}
	if cfg.Device.LatencyMs != 250 {
		t.Errorf("Device.LatencyMs = %d, want 250", cfg.Device.LatencyMs)
	}

	if !cfg.Health.Enabled {
		t.Error("Health.Enabled = false, want true")
	}
	if cfg.Health.Addr != "127.0.0.1:9998" {
		t.Errorf("Health.Addr = %q, want \"127.0.0.1:9998\"", cfg.Health.Addr)
	}

	if cfg.Artwork.TimeoutMs != 8000 {
		t.Errorf("Artwork.TimeoutMs = %d, want 8000", cfg.Artwork.TimeoutMs)
	}
	if cfg.Artwork.TmpDir != "/var/tmp/cliap2" {
		t.Errorf("Artwork.TmpDir = %q, want \"/var/tmp/cliap2\"", cfg.Artwork.TmpDir)
	}

	if cfg.Log.Level != 4 {
		t.Errorf("Log.Level = %d, want 4", cfg.Log.Level)
	}
	if cfg.Log.Domains != "metadata,timing" {
		t.Errorf("Log.Domains = %q, want \"metadata,timing\"", cfg.Log.Domains)
	}
}

// TestValidateConfig verifies configuration validation.
func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: &Config{
				Device: DeviceDefaults{Volume: 75},
				Log:    LogConfig{Level: 3},
			},
			wantErr: false,
		},
		{
			name: "invalid volume - negative",
			config: &Config{
				Device: DeviceDefaults{Volume: -1},
			},
			wantErr: true,
			errMsg:  "device.volume must be 0-100, got -1",
		},
		{
			name: "invalid volume - too high",
			config: &Config{
				Device: DeviceDefaults{Volume: 101},
			},
			wantErr: true,
			errMsg:  "device.volume must be 0-100, got 101",
		},
		{
			name: "invalid latency - negative",
			config: &Config{
				Device: DeviceDefaults{LatencyMs: -1},
			},
			wantErr: true,
			errMsg:  "device.latency_ms must not be negative",
		},
		{
			name: "invalid log level - too high",
			config: &Config{
				Log: LogConfig{Level: 6},
			},
			wantErr: true,
			errMsg:  "log.level must be 0-5, got 6",
		},
		{
			name: "invalid artwork timeout - negative",
			config: &Config{
				Artwork: ArtworkConfig{TimeoutMs: -1},
			},
			wantErr: true,
			errMsg:  "artwork.timeout_ms must not be negative",
		},
		{
			name: "invalid sample rate",
			config: &Config{
				Device: DeviceDefaults{SampleRate: 22050},
			},
			wantErr: true,
			errMsg:  "device.sample_rate must be one of 44100/48000/88200/96000, got 22050",
		},
		{
			name: "valid sample rate 96000",
			config: &Config{
				Device: DeviceDefaults{SampleRate: 96000},
			},
			wantErr: false,
		},
		{
			name: "invalid bits per sample",
			config: &Config{
				Device: DeviceDefaults{BitsPerSample: 24},
			},
			wantErr: true,
			errMsg:  "device.bits_per_sample must be 16 or 32, got 24",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()

			if tt.wantErr {
				if err == nil {
					t.Error("Validate() expected error, got nil")
				} else if tt.errMsg != "" && err.Error() != tt.errMsg {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

// TestLoadConfigMissingFile verifies error handling for missing files.
func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Error("LoadConfig() expected error for missing file, got nil")
	}
}

// TestLoadConfigInvalidYAML verifies error handling for invalid YAML.
func TestLoadConfigInvalidYAML(t *testing.T) {
	configPath := writeTempConfig(t, "not: valid: yaml: [")

	_, err := LoadConfig(configPath)
	if err == nil {
		t.Error("LoadConfig() expected error for invalid YAML, got nil")
	}
}

// TestLoadConfigInvalidValues verifies that a structurally valid but
// semantically invalid file is rejected by LoadConfig.
func TestLoadConfigInvalidValues(t *testing.T) {
	configPath := writeTempConfig(t, "device:\n  volume: 500\n")

	_, err := LoadConfig(configPath)
	if err == nil {
		t.Error("LoadConfig() expected error for out-of-range volume, got nil")
	}
}

// TestDefaultConfig verifies default configuration values.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Device.Name != "cliap2" {
		t.Errorf("Device.Name = %q, want \"cliap2\"", cfg.Device.Name)
	}
	if cfg.Device.Address != "0.0.0.0" {
		t.Errorf("Device.Address = %q, want \"0.0.0.0\"", cfg.Device.Address)
	}
	if cfg.Device.Port != 7000 {
		t.Errorf("Device.Port = %d, want 7000", cfg.Device.Port)
	}
	if cfg.Device.Volume != 75 {
		t.Errorf("Device.Volume = %d, want 75", cfg.Device.Volume)
	}
	if !cfg.Health.Enabled {
		t.Error("Health.Enabled = false, want true")
	}
	if cfg.Health.Addr != "127.0.0.1:9998" {
		t.Errorf("Health.Addr = %q, want \"127.0.0.1:9998\"", cfg.Health.Addr)
	}
	if cfg.Log.Level != 3 {
		t.Errorf("Log.Level = %d, want 3", cfg.Log.Level)
	}
	if cfg.Device.SampleRate != 44100 {
		t.Errorf("Device.SampleRate = %d, want 44100", cfg.Device.SampleRate)
	}
	if cfg.Device.BitsPerSample != 16 {
		t.Errorf("Device.BitsPerSample = %d, want 16", cfg.Device.BitsPerSample)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() fails Validate(): %v", err)
	}
}

// TestSaveConfig verifies configuration file writing.
func TestSaveConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.Name = "office"
	cfg.Device.Volume = 60

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Save() did not create config file")
	}

	loaded, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() after Save() error = %v", err)
	}

	if loaded.Device.Name != "office" {
		t.Errorf("Device.Name = %q, want \"office\"", loaded.Device.Name)
	}
	if loaded.Device.Volume != 60 {
		t.Errorf("Device.Volume = %d, want 60", loaded.Device.Volume)
	}
}

// TestSaveConfigErrorPaths tests error handling in Save().
func TestSaveConfigErrorPaths(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("invalid path", func(t *testing.T) {
		invalidPath := "/tmp/\x00invalid/config.yaml"
		err := cfg.Save(invalidPath)
		if err == nil {
			t.Error("Save() with invalid path should return error")
		}
	})

	t.Run("unwritable directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		readOnlyDir := filepath.Join(tmpDir, "readonly")
		if err := os.Mkdir(readOnlyDir, 0444); err != nil {
			t.Skipf("Cannot create read-only directory: %v", err)
		}

		configPath := filepath.Join(readOnlyDir, "config.yaml")
		err := cfg.Save(configPath)
		_ = err
	})
}

// BenchmarkLoadConfig measures config loading performance.
func BenchmarkLoadConfig(b *testing.B) {
	dir := b.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0644); err != nil {
		b.Fatalf("failed to write config: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = LoadConfig(path)
	}
}

// TestSaveConfigAtomic verifies that Save() performs an atomic write using
// a temp file + rename pattern. After Save() returns, the file should contain
// complete valid YAML that can be loaded back.
func TestSaveConfigAtomic(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	initialCfg := DefaultConfig()
	initialCfg.Device.Volume = 10
	if err := initialCfg.Save(configPath); err != nil {
		t.Fatalf("initial Save() error = %v", err)
	}

	initialData, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("ReadFile initial error = %v", err)
	}

	newCfg := DefaultConfig()
	newCfg.Device.Volume = 90
	newCfg.Device.Name = "den"
	if err := newCfg.Save(configPath); err != nil {
		t.Fatalf("overwrite Save() error = %v", err)
	}

	resultData, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("ReadFile result error = %v", err)
	}

	loaded, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig after atomic Save() error = %v", err)
	}

	if loaded.Device.Volume != 90 {
		t.Errorf("Device.Volume = %d, want 90", loaded.Device.Volume)
	}

	if string(resultData) == string(initialData) {
		t.Error("File content was not updated by Save()")
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir error = %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != "config.yaml" {
			t.Errorf("Unexpected leftover file in directory: %s", entry.Name())
		}
	}
}

// TestSaveConfigAtomicPermissions verifies that the atomically-saved file
// has the correct permissions.
func TestSaveConfigAtomicPermissions(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Stat error = %v", err)
	}

	perm := info.Mode().Perm()
	if perm&0640 != 0640 {
		t.Errorf("File permissions = %o, want at least 0640", perm)
	}
}

// TestSaveConfigAtomicTempFileCleanupOnError verifies that Save fails
// cleanly (no crash) when the target directory does not exist.
func TestSaveConfigAtomicTempFileCleanupOnError(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Save("/nonexistent_dir_12345/config.yaml")
	if err == nil {
		t.Error("Save() to nonexistent directory should fail")
	}
}

// mockAtomicFile implements atomicFile for testing error injection.
type mockAtomicFile struct {
	name       string
	realFile   *os.File
	writeErr   error
	syncErr    error
	chmodErr   error
	closeErr   error
	writeCalls int
}

func (m *mockAtomicFile) Write(p []byte) (int, error) {
	m.writeCalls++
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return len(p), nil
}

func (m *mockAtomicFile) Sync() error               { return m.syncErr }
func (m *mockAtomicFile) Chmod(_ os.FileMode) error { return m.chmodErr }
func (m *mockAtomicFile) Close() error {
	if m.realFile != nil {
		_ = m.realFile.Close()
	}
	return m.closeErr
}
func (m *mockAtomicFile) Name() string { return m.name }

// newMockCreateTemp returns a createTemp func that produces a mockAtomicFile.
// A real temp file is created so cleanup (os.Remove) has a real path to remove.
func newMockCreateTemp(dir string, mock *mockAtomicFile) atomicCreateTemp {
	return func(d, pattern string) (atomicFile, error) {
		f, err := os.CreateTemp(dir, pattern)
		if err != nil {
			return nil, err
		}
		mock.realFile = f
		mock.name = f.Name()
		return mock, nil
	}
}

// TestSaveWithInjectableErrors tests the error paths of saveWith.
func TestSaveWithInjectableErrors(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("write error", func(t *testing.T) {
		tmpDir := t.TempDir()
		mock := &mockAtomicFile{writeErr: errors.New("disk full")}
		err := cfg.saveWith(filepath.Join(tmpDir, "config.yaml"), newMockCreateTemp(tmpDir, mock))
		if err == nil {
			t.Fatal("saveWith() expected error on write failure")
		}
		if !strings.Contains(err.Error(), "failed to write temp config file") {
			t.Errorf("error = %q, want 'failed to write temp config file'", err.Error())
		}
	})

	t.Run("sync error", func(t *testing.T) {
		tmpDir := t.TempDir()
		mock := &mockAtomicFile{syncErr: errors.New("sync failed")}
		err := cfg.saveWith(filepath.Join(tmpDir, "config.yaml"), newMockCreateTemp(tmpDir, mock))
		if err == nil {
			t.Fatal("saveWith() expected error on sync failure")
		}
		if !strings.Contains(err.Error(), "failed to sync temp config file") {
			t.Errorf("error = %q, want 'failed to sync temp config file'", err.Error())
		}
	})

	t.Run("chmod error", func(t *testing.T) {
		tmpDir := t.TempDir()
		mock := &mockAtomicFile{chmodErr: errors.New("chmod failed")}
		err := cfg.saveWith(filepath.Join(tmpDir, "config.yaml"), newMockCreateTemp(tmpDir, mock))
		if err == nil {
			t.Fatal("saveWith() expected error on chmod failure")
		}
		if !strings.Contains(err.Error(), "failed to set config file permissions") {
			t.Errorf("error = %q, want 'failed to set config file permissions'", err.Error())
		}
	})

	t.Run("close error", func(t *testing.T) {
		tmpDir := t.TempDir()
		mock := &mockAtomicFile{closeErr: errors.New("close failed")}
		err := cfg.saveWith(filepath.Join(tmpDir, "config.yaml"), newMockCreateTemp(tmpDir, mock))
		if err == nil {
			t.Fatal("saveWith() expected error on close failure")
		}
		if !strings.Contains(err.Error(), "failed to close temp config file") {
			t.Errorf("error = %q, want 'failed to close temp config file'", err.Error())
		}
	})

	t.Run("createTemp error", func(t *testing.T) {
		failCreate := func(dir, pattern string) (atomicFile, error) {
			return nil, errors.New("createTemp failed")
		}
		err := cfg.saveWith("/tmp/config.yaml", failCreate)
		if err == nil {
			t.Fatal("saveWith() expected error when createTemp fails")
		}
		if !strings.Contains(err.Error(), "failed to create temp config file") {
			t.Errorf("error = %q, want 'failed to create temp config file'", err.Error())
		}
	})
}

// FuzzLoadConfig fuzz tests the YAML config loading path with arbitrary input.
//
// Invariants verified:
//   - No panics on any input
//   - If LoadConfig returns a non-nil *Config without error, the config is valid
//   - If LoadConfig returns an error, cfg is nil
func FuzzLoadConfig(f *testing.F) {
	seeds := []string{
		validYAML,
		"device:\n  volume: 0\n",
		"device:\n  volume: 100\n",
		"not: valid: yaml: [",
		"{{{invalid",
		"---\n- - -\n  broken",
		"",
		"   \n\n\t  ",
		"device: 42",
		"device: [1, 2, 3]",
		"health: true",
		"device:\n  volume: -1\n",
		"device:\n  volume: 999\n",
		"log:\n  level: -1\n",
		"log:\n  level: 99\n",
		"artwork:\n  timeout_ms: -1\n",
		"\x00\x01\x02\x03",
		"\xff\xfe\xfd",
		"a: &a\n  b: *a\n",
	}

	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data string) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "fuzz_config.yaml")
		if err := os.WriteFile(configPath, []byte(data), 0644); err != nil {
			t.Fatalf("failed to write temp config file: %v", err)
		}

		cfg, err := LoadConfig(configPath)

		if err == nil && cfg == nil {
			t.Error("LoadConfig returned nil config without error")
		}

		if err != nil && cfg != nil {
			t.Errorf("LoadConfig returned non-nil config with error: %v", err)
		}

		if err == nil && cfg != nil {
			if validErr := cfg.Validate(); validErr != nil {
				t.Errorf("LoadConfig returned config that fails validation: %v", validErr)
			}
		}
	})
}
