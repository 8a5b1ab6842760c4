package oracle

import (
	"testing"
)

func TestRegistryResolves(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("eth-usd", NewStatic(2000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("eth-usd", NewStatic(1)); err == nil {
		t.Error("re-registering a name should fail")
	}

	feed, ok := r.Resolve("eth-usd")
	if !ok {
		t.Fatal("registered feed not resolved")
	}
	price, err := feed.Price()
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 2000 {
		t.Errorf("price = %d, want 2000", price)
	}

	if _, ok := r.Resolve("missing"); ok {
		t.Error("unregistered name should not resolve")
	}
}

func TestStaticUnsetAndNegative(t *testing.T) {
	var feed Static
	if _, err := feed.Price(); err == nil {
		t.Error("unset feed should error")
	}

	feed.SetPrice(-5)
	if _, err := feed.Price(); err == nil {
		t.Error("negative price should error")
	}

	feed.SetPrice(3000)
	price, err := feed.Price()
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 3000 {
		t.Errorf("price = %d, want 3000", price)
	}
}

func TestStaleRejectsOldPrices(t *testing.T) {
	now := int64(1_000)
	feed := &Stale{
		Inner:  NewStatic(0),
		MaxAge: 60,
		Clock:  func() int64 { return now },
	}

	feed.SetPrice(2500)
	price, err := feed.Price()
	if err != nil {
		t.Fatalf("fresh price: %v", err)
	}
	if price != 2500 {
		t.Errorf("price = %d, want 2500", price)
	}

	// Still valid at exactly MaxAge.
	now += 60
	if _, err := feed.Price(); err != nil {
		t.Errorf("price at max age should be valid: %v", err)
	}

	// One second past MaxAge is stale.
	now++
	if _, err := feed.Price(); err == nil {
		t.Error("price past max age should be stale")
	}

	// A new push makes it fresh again.
	feed.SetPrice(2600)
	price, err = feed.Price()
	if err != nil {
		t.Fatalf("refreshed price: %v", err)
	}
	if price != 2600 {
		t.Errorf("price = %d, want 2600", price)
	}
}
