package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"regionpack.ai/internal/anvil/anviltest"
)

func TestRoot_RequiresThreeArgs(t *testing.T) {
	for _, args := range [][]string{nil, {"1.16.5"}, {"1.16.5", "in"}, {"1.16.5", "in", "out", "extra"}} {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)
		if err := cmd.Execute(); err == nil {
			t.Fatalf("args %v: expected error", args)
		}
		if !strings.Contains(out.String(), "Usage:") {
			t.Fatalf("args %v: expected usage, got %q", args, out.String())
		}
	}
}

func TestRoot_ConvertsThenInspects(t *testing.T) {
	root := t.TempDir()
	catalogDir := filepath.Join(root, "blocks")
	regionDir := filepath.Join(root, "region")
	outDir := filepath.Join(root, "out")
	for _, dir := range []string{catalogDir, regionDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	catalog := `{"minecraft:air": {"states": [{"id": 0}]}, "minecraft:stone": {"states": [{"id": 1}]}}`
	if err := os.WriteFile(filepath.Join(catalogDir, "1.18.2.json"), []byte(catalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	doc := anviltest.Modern(2975, anviltest.Section{Y: 2, Palette: []anviltest.State{{Name: "minecraft:stone"}}})
	anviltest.WriteRegion(t, filepath.Join(regionDir, "r.2.-3.mca"), map[int][]byte{33: anviltest.Zlib(t, doc)})

	cfg := filepath.Join(root, "regionpack.yaml")
	if err := os.WriteFile(cfg, []byte("workers: 2\nlog_level: warn\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", cfg, "--catalog-dir", catalogDir, "1.18.2", regionDir, outDir})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v (%s)", err, out.String())
	}

	bin := filepath.Join(outDir, "2.-3.bin")
	cmd = newRootCmd()
	out.Reset()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"inspect", "--verbose", bin})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	got := out.String()
	if !strings.HasPrefix(got, "2.-3.bin: 1 chunks, 1 sections, ") {
		t.Fatalf("inspect output %q", got)
	}
	if !strings.Contains(got, "Index:") || !strings.Contains(got, "{2}") {
		t.Fatalf("verbose output %q", got)
	}
}

func TestInspect_RejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.0.bin")
	if err := os.WriteFile(path, make([]byte, 10), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"inspect", path})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "0.0.bin") {
		t.Fatalf("expected malformed error, got %v", err)
	}
}
