package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the per-directory state kept under .rex/config. The API key
// gives full access to the remote instance, so the file must stay 0600.
type Config struct {
	Date           string
	Host           string
	APIKey         string
	OutputDir      string
	DepthFirst     bool
	Debug          bool
	LastExport     string
	LastExportRows int
}

func configPath(dir string) string {
	return filepath.Join(dir, ".rex", "config")
}

// readConfig parses a config file as JSON. A config readable by other users
// leaks the API key, so loose permissions produce a warning.
func readConfig(pathString string) (Config, error) {
	if _, err := os.Stat(pathString); err != nil && os.IsNotExist(err) {
		return Config{}, fmt.Errorf("file %s does not exist, run init first", pathString)
	}
	if fileInfo, err := os.Stat(pathString); err == nil {
		mode := fileInfo.Mode()
		if fmt.Sprintf("%s", mode) != "-rw-------" {
			fmt.Println("Warning: Your config file is not secure. Change the permissions by 'chmod 0600 .rex/config'. Now: ", mode)
		}
	} else {
		fmt.Println(err)
	}

	byteValue, err := os.ReadFile(pathString)
	if err != nil {
		return Config{}, fmt.Errorf("could not read the file %s", pathString)
	}

	var config Config
	if err := json.Unmarshal(byteValue, &config); err != nil {
		return Config{}, fmt.Errorf("could not parse the file %s: %w", pathString, err)
	}
	return config, nil
}

func (config Config) writeConfig(pathString string) error {
	file, err := json.MarshalIndent(config, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(pathString, file, 0600)
}
