package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/FateUnix29/Hollowfire-1/examples"
)

// runInit initializes a Hollowfire working directory with default
// files. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Hollowfire workspace in %s\n", dir)

	for _, sub := range []string{"startouts", "memory", "data", "logs"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may carry API keys.
	configPath := filepath.Join(dir, "hollowfire.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	startoutPath := filepath.Join(dir, "startouts", "main.yaml")
	if err := writeIfMissing(startoutPath, examples.StartoutsYAML, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", startoutPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit hollowfire.yaml and startouts/main.yaml to customize your installation.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
