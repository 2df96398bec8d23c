package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCoinGeckoGetSpot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("ids") {
		case "bitcoin":
			fmt.Fprint(w, `{"bitcoin": {"usd": 50123.45}}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
	defer srv.Close()

	client := NewCoinGeckoClient(srv.URL, 2*time.Second)
	ctx := context.Background()

	t.Run("known symbol", func(t *testing.T) {
		quote, err := client.GetSpot(ctx, "btc")
		if err != nil {
			t.Fatalf("GetSpot: %v", err)
		}
		if quote.Symbol != "BTC" || quote.USD != 50123.45 {
			t.Errorf("unexpected quote %+v", quote)
		}
	})

	t.Run("unknown symbol", func(t *testing.T) {
		_, err := client.GetSpot(ctx, "NOPE")
		if !errors.Is(err, ErrUnknownSymbol) {
			t.Fatalf("expected ErrUnknownSymbol, got %v", err)
		}
	})
}

func TestCoinGeckoGetHistorical(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tsMs := at.UnixMilli()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/bitcoin/market_chart/range" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"prices": [[%d, 49000], [%d, 49500], [%d, 48000]]}`,
			tsMs-50_000, tsMs-5_000, tsMs+40_000)
	}))
	defer srv.Close()

	client := NewCoinGeckoClient(srv.URL, 2*time.Second)

	quote, err := client.GetHistorical(context.Background(), "BTC", at)
	if err != nil {
		t.Fatalf("GetHistorical: %v", err)
	}
	if quote.USD != 49500 {
		t.Errorf("expected the closest price 49500, got %f", quote.USD)
	}
}

func TestCoinGeckoUpstreamErrors(t *testing.T) {
	t.Run("server error maps to unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client := NewCoinGeckoClient(srv.URL, 2*time.Second)
		_, err := client.GetSpot(context.Background(), "BTC")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("unreachable host maps to unavailable", func(t *testing.T) {
		client := NewCoinGeckoClient("http://127.0.0.1:1", 500*time.Millisecond)
		_, err := client.GetSpot(context.Background(), "BTC")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("empty history maps to unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"prices": []}`)
		}))
		defer srv.Close()

		client := NewCoinGeckoClient(srv.URL, 2*time.Second)
		_, err := client.GetHistorical(context.Background(), "BTC", time.Now())
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})
}
