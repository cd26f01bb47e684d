package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	dir := filepath.Join(home, "qpack")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	writeConfig(t, "log_level: debug\ncompute_type: fp32\nblk_len: 64\nworkers: 3\nserver_address: 0.0.0.0:9000\n")

	cfg := LoadConfig()
	if cfg.LogLevel != "debug" || cfg.ComputeType != "fp32" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.BlkLen == nil || *cfg.BlkLen != 64 || cfg.Workers == nil || *cfg.Workers != 3 {
		t.Fatalf("unexpected numeric config: %+v", cfg)
	}
}

func TestLoadConfigMissingOrInvalid(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if cfg := LoadConfig(); cfg != (Config{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}

	writeConfig(t, "workers: [not a number\n")
	if cfg := LoadConfig(); cfg != (Config{}) {
		t.Fatalf("expected zero config for invalid yaml, got %+v", cfg)
	}
}

func TestApplyPackConfigRespectsFlags(t *testing.T) {
	three, sixtyFour := int64(3), int64(64)
	cfg := Config{ComputeType: "fp16", Workers: &three, BlkLen: &sixtyFour}

	run := func(args ...string) {
		t.Helper()
		cmd := &cli.Command{
			Name:  "test",
			Flags: append(packFlags(), blkLenFlag()),
			Action: func(ctx context.Context, c *cli.Command) error {
				applyPackConfig(c, cfg)
				return nil
			},
		}
		if err := cmd.Run(context.Background(), append([]string{"test"}, args...)); err != nil {
			t.Fatalf("run: %v", err)
		}
	}

	run()
	if computeType != "fp16" || workers != 3 || blkLen != 64 {
		t.Fatalf("config defaults not applied: %q %d %d", computeType, workers, blkLen)
	}

	run("--compute-type", "fp32", "--workers", "1", "--blk-len", "16")
	if computeType != "fp32" || workers != 1 || blkLen != 16 {
		t.Fatalf("flags should win: %q %d %d", computeType, workers, blkLen)
	}
}
