package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func Test_configRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := configPath(dir)

	if _, err := readConfig(path); err == nil {
		t.Errorf("readConfig() succeeded without an init")
	}

	if err := os.Mkdir(filepath.Join(dir, ".rex"), 0700); err != nil {
		t.Fatal(err)
	}
	config := Config{
		Date:       "2021-06-15 13:04:05",
		Host:       "flywheel.example.org",
		APIKey:     "flywheel.example.org:secret",
		OutputDir:  "exports",
		DepthFirst: true,
	}
	if err := config.writeConfig(path); err != nil {
		t.Fatalf("writeConfig() error = %v", err)
	}

	got, err := readConfig(path)
	if err != nil {
		t.Fatalf("readConfig() error = %v", err)
	}
	if !reflect.DeepEqual(got, config) {
		t.Errorf("readConfig() = %+v, want %+v", got, config)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode())
	}
}
