package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
service:
  listen: 127.0.0.1:9090
worker:
  command: ["python3", "seg.py"]
  model_path: ./sam.pth
styles:
  catalog_path: ./style_library.json
output:
  directory: ./out
state:
  path: ./test.db
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Listen != "127.0.0.1:9090" {
					t.Error("service.listen not parsed")
				}
				if len(cfg.Worker.Command) != 2 || cfg.Worker.Command[0] != "python3" {
					t.Errorf("worker.command not parsed: %v", cfg.Worker.Command)
				}
				if cfg.Styles.CatalogPath != "./style_library.json" {
					t.Error("styles.catalog_path not parsed")
				}
				// Check defaults applied
				if cfg.Worker.Timeout != 5*time.Minute {
					t.Errorf("default worker.timeout not applied: %v", cfg.Worker.Timeout)
				}
				if cfg.Worker.MaxConcurrent != 4 {
					t.Errorf("default worker.max_concurrent not applied: %d", cfg.Worker.MaxConcurrent)
				}
				if cfg.Service.LogLevel != "info" {
					t.Error("default log_level not applied")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
worker:
  command: ["${WORKER_BIN}", "seg.py"]
  model_path: ${MODEL_PATH}
output:
  directory: ./out
`,
			env: map[string]string{
				"WORKER_BIN": "/opt/python/bin/python3",
				"MODEL_PATH": "/srv/models/sam.pth",
			},
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Worker.Command[0] != "/opt/python/bin/python3" {
					t.Errorf("env var not interpolated in worker.command: %s", cfg.Worker.Command[0])
				}
				if cfg.Worker.ModelPath != "/srv/models/sam.pth" {
					t.Errorf("env var not interpolated in worker.model_path: %s", cfg.Worker.ModelPath)
				}
			},
		},
		{
			name: "unresolved env var in worker command fails validation",
			yaml: `
worker:
  command: ["${NOT_SET_ANYWHERE}", "seg.py"]
output:
  directory: ./out
`,
			wantErr: true,
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: loud
output:
  directory: ./out
`,
			wantErr: true,
		},
		{
			name: "negative timeout rejected",
			yaml: `
worker:
  timeout: -5s
output:
  directory: ./out
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	yaml := `
output:
  directory: ./artifacts
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir): %v", err)
	}
	if cfg.Output.Directory != "./artifacts" {
		t.Errorf("output.directory = %q, want ./artifacts", cfg.Output.Directory)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
