package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"storesync/internal/config"
)

const platformProbeTimeout = 5 * time.Second

// CheckAccountToken verifies the account resolves to a non-empty credential.
func CheckAccountToken(cfg *config.Config, acct config.Account) Result {
	name := "Account " + acct.ID
	if cfg.ResolveToken(acct) != "" {
		source := "token"
		if env := strings.TrimSpace(acct.TokenEnv); env != "" {
			if value, ok := os.LookupEnv(env); ok && strings.TrimSpace(value) != "" {
				source = "$" + env
			}
		}
		return Result{Name: name, Passed: true, Detail: "credential from " + source}
	}
	if env := strings.TrimSpace(acct.TokenEnv); env != "" {
		return Result{Name: name, Detail: fmt.Sprintf("no token (%s is unset and token is empty)", env)}
	}
	return Result{Name: name, Detail: "no token configured"}
}

// CheckPlatform verifies the platform base URL answers HTTP. Any response
// below 500 counts as reachable; authentication is per account and is not
// exercised here.
func CheckPlatform(ctx context.Context, name string, platform config.Platform) Result {
	label := "Platform " + name
	base := strings.TrimRight(strings.TrimSpace(platform.BaseURL), "/")
	if base == "" {
		return Result{Name: label, Detail: "missing base_url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, platformProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, base, nil)
	if err != nil {
		return Result{Name: label, Detail: fmt.Sprintf("invalid base_url (%v)", err)}
	}
	if ua := strings.TrimSpace(platform.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	client := &http.Client{Timeout: platformProbeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: label, Detail: summarizeProbeError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return Result{Name: label, Detail: fmt.Sprintf("%s answered %d", base, resp.StatusCode)}
	}
	return Result{Name: label, Passed: true, Detail: fmt.Sprintf("%s reachable (%d)", base, resp.StatusCode)}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

func summarizeProbeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "probe timed out (platform unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "probe timed out (platform unreachable)"
	}
	return err.Error()
}
