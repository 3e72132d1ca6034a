package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/otanode/internal/opstate"
	"github.com/nugget/otanode/internal/ota"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout bytes.Buffer
		if err := run(context.Background(), &stdout, &stdout, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: otanode") {
			t.Errorf("run(%v) output missing usage:\n%s", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"reboot"}, "unknown command: reboot"},
		{[]string{"--verbose", "run"}, "unknown argument: --verbose"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/otanode.yaml", "state"}, "not found"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := run(context.Background(), &out, &out, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &stdout, []string{"version"}); err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "otanode ") || !strings.Contains(stdout.String(), "go_version:") {
		t.Errorf("version output:\n%s", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stdout, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("json version error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version json: %v\n%s", err, stdout.String())
	}
	if info["version"] == "" {
		t.Error("json version missing version field")
	}
}

func writeConfig(t *testing.T) (cfgPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	cfgPath = filepath.Join(dir, "config.yaml")
	doc := "broker:\n  access_token: test-token\ndevice:\n  firmware_version: PaceP-s3-v1.0\ndata_dir: " + dataDir + "\n"
	if err := os.WriteFile(cfgPath, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dataDir
}

func TestRun_StateEmpty(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &stdout, []string{"-config", cfgPath, "state"}); err != nil {
		t.Fatalf("state error = %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "fw_version:  PaceP-s3-v1.0") || !strings.Contains(out, "no update recorded") {
		t.Errorf("state output:\n%s", out)
	}
}

func TestRun_StateRecorded(t *testing.T) {
	cfgPath, dataDir := writeConfig(t)

	store, err := opstate.Open(filepath.Join(dataDir, stateDB))
	if err != nil {
		t.Fatal(err)
	}
	err = store.SetAll(ota.Namespace, map[string]string{
		"job_id":     "0192",
		"url":        "http://fw.example/fw.bin",
		"state":      "FAILED",
		"error":      "GET http://fw.example/fw.bin: HTTP 404",
		"updated_at": "2024-03-01T05:30:00Z",
	})
	store.Close()
	if err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	if err := run(context.Background(), &stdout, &stdout, []string{"-config=" + cfgPath, "-o", "json", "state"}); err != nil {
		t.Fatalf("state error = %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("state json: %v\n%s", err, stdout.String())
	}
	if got["fw_state"] != "FAILED" || got["job_id"] != "0192" || !strings.Contains(got["error"], "404") {
		t.Errorf("state = %v", got)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	payloads []string
}

func (p *recordingPublisher) Publish(_ context.Context, t string, payload []byte, _ byte, _ bool) error {
	p.payloads = append(p.payloads, t+" "+string(payload))
	return nil
}

func TestAnnounce(t *testing.T) {
	pub := &recordingPublisher{}
	engine := ota.NewEngine(ota.EngineConfig{Publisher: pub})
	logger := discardLogger()

	announce(context.Background(), pub, engine, "PaceP-s3-v2.0", logger)
	want := []string{
		`v1/devices/me/telemetry {"fw_version":"PaceP-s3-v2.0"}`,
		`v1/devices/me/telemetry {"fw_state":"IDLE"}`,
	}
	if strings.Join(pub.payloads, "\n") != strings.Join(want, "\n") {
		t.Errorf("published %q, want %q", pub.payloads, want)
	}

	// While an update holds the slot only the version is reported.
	if _, err := engine.Begin(ota.Request{URL: "http://fw.example/fw.bin"}); err != nil {
		t.Fatal(err)
	}
	pub.payloads = nil
	announce(context.Background(), pub, engine, "PaceP-s3-v2.0", logger)
	if len(pub.payloads) != 1 || !strings.Contains(pub.payloads[0], "fw_version") {
		t.Errorf("published %q during update, want fw_version only", pub.payloads)
	}
}
