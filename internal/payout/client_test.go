package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSendOrder_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/payouts" {
			t.Fatalf("path = %s, want /api/payouts", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content-type = %q, want application/json", ct)
		}

		var order Order
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			t.Fatalf("decode order: %v", err)
		}
		if order.Reference != "alice@bank" {
			t.Fatalf("reference = %q, want alice@bank", order.Reference)
		}
		if !order.Amount.Equal(decimal.RequireFromString("25.00")) {
			t.Fatalf("amount = %s, want 25.00", order.Amount)
		}
		if order.EntryID != "e-1" {
			t.Fatalf("entry id = %q, want e-1", order.EntryID)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.SendOrder(ctx, Order{
		Reference: "alice@bank",
		Amount:    decimal.RequireFromString("25.00"),
		EntryID:   "e-1",
	})
	if err != nil {
		t.Fatalf("SendOrder error: %v", err)
	}
}

func TestSendOrder_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.SendOrder(ctx, Order{Reference: "alice@bank", Amount: decimal.NewFromInt(1)})
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestSendOrder_NotConfigured(t *testing.T) {
	var client *Client

	err := client.SendOrder(context.Background(), Order{Reference: "alice@bank"})
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	client := NewClient("http://gateway.local/")
	if client.baseURL != "http://gateway.local" {
		t.Fatalf("baseURL = %q, want http://gateway.local", client.baseURL)
	}
}
