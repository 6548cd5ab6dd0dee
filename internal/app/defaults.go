package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - FIM_CONFIG_PATH: config file location (default: ~/.config/fim.toml)
//   - FIM_HOME: base directory for fim data (default: ~/.local/share/fim)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking FIM_CONFIG_PATH env var first,
// then falling back to the default ~/.config/fim.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("FIM_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "fim.toml"), nil
}

// getBaseDir returns the base directory for fim data, checking FIM_HOME env var first,
// then falling back to the XDG default ~/.local/share/fim.
func getBaseDir() (string, error) {
	if path := os.Getenv("FIM_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "fim"), nil
}
