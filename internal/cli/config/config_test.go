package config

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Load() = %v, want nil error", err)
	}
	if cfg != nil {
		t.Fatalf("Load() = %#v, want nil for missing file", cfg)
	}
}

func TestSaveLoadResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termlink", "config")
	in := &Config{
		CurrentContext: "prod",
		Contexts: map[string]*Context{
			"prod":  {Server: "https://termlink.example", Shell: "/bin/zsh", EnableReaders: true},
			"local": {Server: "http://localhost:8051", TimeoutSeconds: 10},
		},
	}
	if err := in.Save(path); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	ctx, name, err := cfg.Resolve("")
	if err != nil {
		t.Fatalf("Resolve('') = %v", err)
	}
	if name != "prod" {
		t.Errorf("default context = %q, want prod", name)
	}
	if ctx.Server != "https://termlink.example" || !ctx.EnableReaders || ctx.Shell != "/bin/zsh" {
		t.Errorf("prod context = %#v", ctx)
	}

	ctx, _, err = cfg.Resolve("local")
	if err != nil {
		t.Fatalf("Resolve(local) = %v", err)
	}
	if ctx.TimeoutSeconds != 10 {
		t.Errorf("local timeout = %d, want 10", ctx.TimeoutSeconds)
	}

	if _, _, err := cfg.Resolve("staging"); !errors.Is(err, ErrContextNotFound) {
		t.Errorf("Resolve(staging) = %v, want ErrContextNotFound", err)
	}
}

func TestResolveNilConfig(t *testing.T) {
	var cfg *Config
	ctx, name, err := cfg.Resolve("anything")
	if ctx != nil || name != "" || err != nil {
		t.Errorf("nil config Resolve = (%v, %q, %v), want zero values", ctx, name, err)
	}
}
