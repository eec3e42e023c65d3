package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Assembler.MaxExpansions != 100000 {
		t.Errorf("MaxExpansions = %d, want 100000", cfg.Assembler.MaxExpansions)
	}
	if len(cfg.Assembler.IncludePaths) != 0 {
		t.Errorf("IncludePaths = %v, want empty", cfg.Assembler.IncludePaths)
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Assembler.MaxExpansions != 100000 {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadFrom_File(t *testing.T) {
	content := `
[assembler]
include_paths = ["lib", "gfx"]
max_expansions = 500

[output]
rom = "game.gb"
symbols = "game.sym"
`
	path := filepath.Join(t.TempDir(), "gbhla.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if len(cfg.Assembler.IncludePaths) != 2 || cfg.Assembler.IncludePaths[0] != "lib" {
		t.Errorf("IncludePaths = %v", cfg.Assembler.IncludePaths)
	}
	if cfg.Assembler.MaxExpansions != 500 {
		t.Errorf("MaxExpansions = %d, want 500", cfg.Assembler.MaxExpansions)
	}
	if cfg.Output.Rom != "game.gb" || cfg.Output.Symbols != "game.sym" {
		t.Errorf("Output = %+v", cfg.Output)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gbhla.toml")
	if err := os.WriteFile(path, []byte("not [valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("expected an error for malformed TOML")
	}
}
