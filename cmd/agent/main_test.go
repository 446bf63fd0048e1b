package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const missingLogsChannel = `{
	"token": "abc.def",
	"channel_id_(for_c2)": 1100000000000000001,
	"channel_id_(for_actions)": 1100000000000000002,
	"webhooks_username": [],
	"log_using_debug?": false
}`

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	saved := os.Args
	os.Args = append([]string{"agent"}, args...)
	t.Cleanup(func() { os.Args = saved })
}

func TestRunInvalidConfigExitsWithCritical(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "api.json")
	if err := os.WriteFile(path, []byte(missingLogsChannel), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	withArgs(t, "--config", path)

	if code := run(); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}

	data, err := os.ReadFile(filepath.Join(dir, "agent.log"))
	if err != nil {
		t.Fatalf("read default log: %v", err)
	}
	if !strings.Contains(string(data), "> CRITICAL: |") || !strings.Contains(string(data), "channel_id_(for_logs)") {
		t.Fatalf("expected critical entry naming the missing key:\n%s", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "agent.db")); !os.IsNotExist(err) {
		t.Fatalf("startup must stop before storage is opened, stat err %v", err)
	}
}

func TestRunMissingConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	withArgs(t, "-c", filepath.Join(dir, "absent.json"))

	if code := run(); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	data, err := os.ReadFile(filepath.Join(dir, "agent.log"))
	if err != nil {
		t.Fatalf("read default log: %v", err)
	}
	if !strings.Contains(string(data), "absent.json") {
		t.Fatalf("expected critical entry naming the file:\n%s", data)
	}
}

func TestRunCheckValidConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "api.json")
	valid := strings.Replace(missingLogsChannel, `"webhooks_username"`, `"channel_id_(for_logs)": 1100000000000000003,
	"webhooks_username"`, 1)
	if err := os.WriteFile(path, []byte(valid), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	withArgs(t, "--config", path, "--check")

	if code := run(); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "agent.log")); !os.IsNotExist(err) {
		t.Fatalf("--check must not open the log sink, stat err %v", err)
	}
}
