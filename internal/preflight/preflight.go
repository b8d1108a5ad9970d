package preflight

import (
	"context"
	"sort"

	"storesync/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes every applicable check. Tokens are checked for active
// accounts only; each platform referenced by an active account is probed once.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}

	platforms := make(map[string]struct{})
	for _, acct := range cfg.ActiveAccounts() {
		results = append(results, CheckAccountToken(cfg, acct))
		platforms[acct.Platform] = struct{}{}
	}

	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		results = append(results, CheckPlatform(ctx, name, cfg.Platforms[name]))
	}
	return results
}

// Failed counts results that did not pass.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.Passed {
			n++
		}
	}
	return n
}
