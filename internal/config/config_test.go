package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gantry.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// The config struct is package level state, so the subtests build on each
// other and run in order.
func TestLoad(t *testing.T) {
	version, err := semver.NewVersion("0.1.0-test")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("DefaultsWhenFileMissing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"), version)
		if err != nil {
			t.Fatalf("Load failed: %s", err.Error())
		}
		if cfg.WorkDir != "/opt/gantry/" {
			t.Errorf("Wrong default workdir: %s", cfg.WorkDir)
		}
		if cfg.HTTPport != 8080 {
			t.Errorf("Wrong default http port: %d", cfg.HTTPport)
		}
		if cfg.PortRangeStart != 41000 || cfg.PortRangeEnd != 42000 {
			t.Errorf("Wrong default port range: %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
		}
		if cfg.Version != version {
			t.Error("Load should attach the version")
		}
		if Get() != cfg {
			t.Error("Get should return the loaded config")
		}
	})

	t.Run("ReadsFile", func(t *testing.T) {
		path := writeConfigFile(t, `
workdir: /tmp/gantry
httpport: 9090
apps:
  - name: demo
    giturl: https://example.org/demo.git
`)
		cfg, err := Load(path, version)
		if err != nil {
			t.Fatalf("Load failed: %s", err.Error())
		}
		if cfg.WorkDir != "/tmp/gantry" {
			t.Errorf("Wrong workdir: %s", cfg.WorkDir)
		}
		if cfg.HTTPport != 9090 {
			t.Errorf("Wrong http port: %d", cfg.HTTPport)
		}
		if len(cfg.Apps) != 1 || cfg.Apps[0].Name != "demo" {
			t.Errorf("Wrong app declarations: %+v", cfg.Apps)
		}
		if cfg.ShutdownGraceSecs != 10 {
			t.Errorf("Unset fields should keep their defaults, got grace %d", cfg.ShutdownGraceSecs)
		}
	})

	t.Run("RejectsBadYAML", func(t *testing.T) {
		path := writeConfigFile(t, "workdir: [unclosed")
		if _, err := Load(path, version); err == nil {
			t.Error("Load should fail on malformed yaml")
		}
	})

	t.Run("RejectsAppWithoutGitURL", func(t *testing.T) {
		path := writeConfigFile(t, `
apps:
  - name: demo
`)
		if _, err := Load(path, version); err == nil {
			t.Error("Load should reject an app declaration without a git url")
		}
	})

	t.Run("RejectsInvalidPortRange", func(t *testing.T) {
		path := writeConfigFile(t, `
portrangestart: 42000
portrangeend: 41000
`)
		if _, err := Load(path, version); err == nil {
			t.Error("Load should reject an inverted port range")
		}
	})
}
