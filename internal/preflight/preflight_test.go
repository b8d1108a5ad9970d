package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"storesync/internal/config"
	"storesync/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	result := CheckDirectoryAccess("test", t.TempDir())
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if !strings.Contains(result.Detail, "does not exist") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if result := CheckDirectoryAccess("test", f); result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckAccountToken(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	t.Setenv("SHOP_TOKEN", "from-env")

	tests := []struct {
		name   string
		acct   config.Account
		passed bool
		detail string
	}{
		{"inline token", config.Account{ID: "a", Token: "t"}, true, "credential from token"},
		{"env token", config.Account{ID: "b", TokenEnv: "SHOP_TOKEN"}, true, "$SHOP_TOKEN"},
		{"unset env", config.Account{ID: "c", TokenEnv: "SHOP_TOKEN_MISSING"}, false, "SHOP_TOKEN_MISSING is unset"},
		{"nothing", config.Account{ID: "d"}, false, "no token configured"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := CheckAccountToken(cfg, tc.acct)
			if result.Passed != tc.passed {
				t.Fatalf("passed = %v, want %v (%s)", result.Passed, tc.passed, result.Detail)
			}
			if !strings.Contains(result.Detail, tc.detail) {
				t.Fatalf("detail %q does not mention %q", result.Detail, tc.detail)
			}
		})
	}
}

func TestCheckPlatform(t *testing.T) {
	var userAgent string
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	result := CheckPlatform(context.Background(), "etsy", config.Platform{BaseURL: ok.URL, UserAgent: "storesync/test"})
	if !result.Passed {
		t.Fatalf("expected 404 to count as reachable: %s", result.Detail)
	}
	if userAgent != "storesync/test" {
		t.Fatalf("user agent = %q", userAgent)
	}

	if result := CheckPlatform(context.Background(), "etsy", config.Platform{BaseURL: broken.URL}); result.Passed {
		t.Fatal("expected 502 to fail")
	}
	if result := CheckPlatform(context.Background(), "etsy", config.Platform{}); result.Passed {
		t.Fatal("expected missing base_url to fail")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_ChecksActiveAccountsAndPlatforms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t,
		testsupport.WithPlatformURL("etsy", srv.URL),
		testsupport.WithAccounts(
			config.Account{ID: "shop-a", Platform: "etsy", Token: "a"},
			config.Account{ID: "shop-b", Platform: "etsy"},
			config.Account{ID: "shop-c", Platform: "etsy", Disabled: true},
		),
	)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	results := RunAll(context.Background(), cfg)
	// state dir, log dir, two active accounts, one platform
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d: %+v", len(results), results)
	}
	if failed := Failed(results); failed != 1 {
		t.Fatalf("expected only shop-b to fail, got %d failures: %+v", failed, results)
	}
	for _, r := range results {
		if r.Name == "Account shop-c" {
			t.Fatal("disabled account should not be checked")
		}
	}
}
