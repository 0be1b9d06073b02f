// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func resetCfg(t *testing.T, path string) {
	t.Helper()

	Cfg = Config{ConfigPath: path}
	t.Cleanup(func() { Cfg = Config{} })
}

func TestDefaultsWithoutConfigFile(t *testing.T) {
	resetCfg(t, filepath.Join(t.TempDir(), "missing.toml"))

	if err := parse(); err != nil {
		t.Fatal(err)
	}

	if Cfg.Capacity != 131072 {
		t.Errorf("Capacity = %d, want 131072", Cfg.Capacity)
	}
	if Cfg.SegmentSize != 4096 {
		t.Errorf("SegmentSize = %d, want 4096", Cfg.SegmentSize)
	}
	if !Cfg.Serialize {
		t.Error("Serialize = false, want true")
	}
	if Cfg.Write.ChunkSize != 4*1024*1024 {
		t.Errorf("Write.ChunkSize = %d, want 4 MB in bytes", Cfg.Write.ChunkSize)
	}
	if Cfg.Export.Enabled {
		t.Error("Export.Enabled = true, want false")
	}
	if Cfg.Export.ChunkSize != 4*1024*1024 {
		t.Errorf("Export.ChunkSize = %d, want 4 MB in bytes", Cfg.Export.ChunkSize)
	}
}

func TestConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
capacity = 896
block_size = 512
max_memory = 1

[export]
enabled = true
bucket = "images"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	resetCfg(t, path)
	os.Setenv("MEMBLK_EXPORT_BUCKET", "override")
	defer os.Unsetenv("MEMBLK_EXPORT_BUCKET")

	if err := parse(); err != nil {
		t.Fatal(err)
	}

	if Cfg.Capacity != 896 {
		t.Errorf("Capacity = %d, want 896", Cfg.Capacity)
	}
	if Cfg.BlockSize != 512 {
		t.Errorf("BlockSize = %d, want 512", Cfg.BlockSize)
	}
	if Cfg.MaxMemory != 1024*1024 {
		t.Errorf("MaxMemory = %d, want 1 MB in bytes", Cfg.MaxMemory)
	}
	if !Cfg.Export.Enabled {
		t.Error("Export.Enabled = false, want true")
	}
	if Cfg.Export.Bucket != "override" {
		t.Errorf("Export.Bucket = %q, want env override", Cfg.Export.Bucket)
	}
}

func TestBlockSizeIsForced(t *testing.T) {
	for in, want := range map[int]int{512: 512, 4096: 4096, 1024: 4096, 0: 4096} {
		c := Config{BlockSize: in}
		postprocess(&c)
		if c.BlockSize != want {
			t.Errorf("block size %d postprocessed to %d, want %d", in, c.BlockSize, want)
		}
	}
}

func TestFlagSetup(t *testing.T) {
	resetCfg(t, "")

	flagSetup([]string{"-c", "/tmp/memblk.toml"})
	if Cfg.ConfigPath != "/tmp/memblk.toml" {
		t.Errorf("ConfigPath = %q", Cfg.ConfigPath)
	}

	flagSetup(nil)
	if Cfg.ConfigPath != defaultConfig {
		t.Errorf("ConfigPath = %q, want %q", Cfg.ConfigPath, defaultConfig)
	}
}
