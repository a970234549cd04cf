// Package steps holds the built-in unit strategies: normal calculation,
// which follows tool output, and sampling, which waits for its output file
// to go quiet.
package steps

import (
	"context"
	"fmt"
	"modelchain/internal/chain"
	"modelchain/internal/toolrunner"
	"path/filepath"
	"strings"
)

// Unit names selecting each strategy.
const (
	NameNormal   = "normal"
	NameSampling = "sampling"
)

// File and parameter codes read or written by the strategies.
const (
	codePointCloud          = "pointCloud"
	codeMesh                = "mesh"
	paramSamplingPointCount = "samplingPointNumber"
)

// Strategies returns the factories of the built-in strategies keyed by unit
// name.
func Strategies(cfg Config) map[string]chain.StrategyFactory {
	cfg = cfg.withDefaults()
	return map[string]chain.StrategyFactory{
		NameNormal:   func() chain.Strategy { return &normal{cfg: cfg} },
		NameSampling: func() chain.Strategy { return &sampling{cfg: cfg} },
	}
}

// inputFile returns the path of the job's file code, failing when the job
// has none.
func inputFile(ctx context.Context, s *chain.Session, code string) (string, error) {
	f, ok, err := s.File(ctx, code)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", code, err)
	}
	if !ok || f.Path == "" {
		return "", fmt.Errorf("no %s file available as input", code)
	}
	return f.Path, nil
}

// derivedPath replaces the extension of path with suffix.
func derivedPath(path, suffix string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + suffix
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	return toolrunner.ExitCode(err)
}
