package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFetchRateCurveDecodesResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/devices/battery-1/rate-curve" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(RateCurve{
			InitialRate:     decimal.RequireFromString("30"),
			FinalRate:       decimal.RequireFromString("20"),
			ChangePerUpdate: decimal.RequireFromString("1"),
		})
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, 100, nil)
	curve, err := f.FetchRateCurve(context.Background(), "battery-1")
	if err != nil {
		t.Fatalf("FetchRateCurve() err = %v", err)
	}
	if !curve.InitialRate.Equal(decimal.RequireFromString("30")) {
		t.Fatalf("InitialRate = %s, want 30", curve.InitialRate)
	}
	if !curve.FinalRate.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("FinalRate = %s, want 20", curve.FinalRate)
	}
}

func TestFetchRateCurveServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, 100, nil)
	f.http.SetRetryCount(0)
	if _, err := f.FetchRateCurve(context.Background(), "battery-1"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
