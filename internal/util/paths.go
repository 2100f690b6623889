package util

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath expands environment references in a filesystem path: a
// leading ~, $HOME, $XDG_CONFIG_HOME (with its standard ~/.config
// fallback), and any other $VAR set in the environment.
func ExpandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	expanded := os.Expand(path, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		switch key {
		case "XDG_CONFIG_HOME":
			if home, err := os.UserHomeDir(); err == nil {
				return filepath.Join(home, ".config")
			}
		case "HOME":
			if home, err := os.UserHomeDir(); err == nil {
				return home
			}
		}
		return ""
	})
	return filepath.Clean(expanded)
}
