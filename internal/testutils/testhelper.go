//go:build test

package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestHelper bundles per-test dependencies (a debug-level logger) the
// way the suite tests in this module wire things up in SetupSuite.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// LoadScript reads a test fixture script, resolving a leading '/' against the
// module root (found by walking up for go.mod) rather than the filesystem root.
func LoadScript(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	relPath = filepath.Clean(relPath)

	var fullPath string
	if len(relPath) > 0 && relPath[0] == '/' {
		projectRoot := wd
		for {
			if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
				break
			}
			parent := filepath.Dir(projectRoot)
			if parent == projectRoot {
				return "", fmt.Errorf("could not find project root (go.mod not found)")
			}
			projectRoot = parent
		}
		fullPath = filepath.Join(projectRoot, relPath[1:])
	} else {
		fullPath = filepath.Join(wd, relPath)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}

	return string(data), nil
}
