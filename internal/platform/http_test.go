package platform_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storesync/internal/config"
	"storesync/internal/platform"
	"storesync/internal/services"
	"storesync/internal/testsupport"
)

func staticToken(token string) platform.TokenFunc {
	return func(string) (string, error) { return token, nil }
}

func newClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *platform.HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	settings := config.Platform{BaseURL: server.URL + "/", UserAgent: "storesync/test"}
	return platform.NewHTTPClient("etsy", settings, timeout, staticToken("secret"))
}

func TestCreateListingPostsPayload(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/accounts/shop-a/listings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "storesync/test" {
			t.Errorf("unexpected user agent %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"title":"Lamp"}` {
			t.Errorf("unexpected body %s", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"listing_id":"L-42"}`))
	}, time.Second)

	id, err := client.CreateListing(context.Background(), "shop-a", `{"title":"Lamp"}`)
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	if id != "L-42" {
		t.Fatalf("expected L-42, got %q", id)
	}
}

func TestCreateListingClassifiesStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		marker     error
		retryable  bool
		wantAfter  time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "7", services.ErrRateLimited, true, 7 * time.Second},
		{"server error", http.StatusBadGateway, "", services.ErrTransient, true, 0},
		{"request timeout", http.StatusRequestTimeout, "", services.ErrTimeout, true, 0},
		{"unprocessable", http.StatusUnprocessableEntity, "", services.ErrValidation, false, 0},
		{"forbidden", http.StatusForbidden, "", services.ErrPermanent, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}, time.Second)

			_, err := client.CreateListing(context.Background(), "shop-a", `{}`)
			if !errors.Is(err, tt.marker) {
				t.Fatalf("expected %v, got %v", tt.marker, err)
			}
			if services.IsRetryable(err) != tt.retryable {
				t.Fatalf("IsRetryable = %v, want %v", !tt.retryable, tt.retryable)
			}
			after, ok := services.RetryAfter(err)
			if tt.wantAfter > 0 && (!ok || after != tt.wantAfter) {
				t.Fatalf("expected retry-after %s, got %s (%v)", tt.wantAfter, after, ok)
			}
		})
	}
}

func TestCreateListingTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	t.Cleanup(func() { close(release) })

	_, err := client.CreateListing(context.Background(), "shop-a", `{}`)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !services.IsRetryable(err) {
		t.Fatal("timeout should be retryable")
	}
}

func TestCreateListingRejectsInvalidPayload(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called")
	}, time.Second)

	_, err := client.CreateListing(context.Background(), "shop-a", `{"title":`)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateListingMissingIDIsPermanent(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, time.Second)

	_, err := client.CreateListing(context.Background(), "shop-a", `{}`)
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestRegistryResolvesConfiguredPlatforms(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"id":"L-1"}`))
	}))
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithPlatformURL("etsy", server.URL))
	reg := platform.NewRegistry(cfg)

	client, err := reg.For("ETSY")
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	id, err := client.CreateListing(context.Background(), "shop-b", `{}`)
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	if id != "L-1" || gotAuth != "Bearer token-b" {
		t.Fatalf("unexpected id %q auth %q", id, gotAuth)
	}

	if _, err := client.CreateListing(context.Background(), "ghost", `{}`); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for unknown account, got %v", err)
	}
	if _, err := reg.For("amazon"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "etsy" {
		t.Fatalf("unexpected names %v", names)
	}
}
