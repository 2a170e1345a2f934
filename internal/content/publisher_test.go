package content

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"assetrails/internal/faults"
)

func TestComputeAddressDeterministic(t *testing.T) {
	a1, err := ComputeAddress([]byte("handmade vase"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	a2, err := ComputeAddress([]byte("handmade vase"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("same bytes produced different addresses: %s vs %s", a1, a2)
	}

	other, _ := ComputeAddress([]byte("different bytes"))
	if a1 == other {
		t.Fatalf("different bytes produced the same address")
	}

	if a1.URI() != "ipfs://"+string(a1) {
		t.Fatalf("unexpected uri: %s", a1.URI())
	}
}

func TestMemoryPublisherIdempotent(t *testing.T) {
	pub := NewMemoryPublisher()
	ctx := context.Background()

	a1, err := pub.Publish(ctx, []byte("bytes"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	a2, err := pub.Publish(ctx, []byte("bytes"))
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("republish changed address: %s vs %s", a1, a2)
	}

	stored, ok := pub.Get(a1)
	if !ok || string(stored) != "bytes" {
		t.Fatalf("stored bytes missing or wrong: %q %v", stored, ok)
	}
}

func TestPinningPublisherVerifiesAddress(t *testing.T) {
	payload := []byte("asset bytes")
	want, err := ComputeAddress(payload)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	honest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"IpfsHash": string(want)})
	}))
	defer honest.Close()

	pub := NewPinningPublisher(honest.URL, "tok")
	got, err := pub.Publish(context.Background(), payload)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got != want {
		t.Fatalf("address mismatch: %s vs %s", got, want)
	}

	lying := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"IpfsHash": "bafybogus"})
	}))
	defer lying.Close()

	pub = NewPinningPublisher(lying.URL, "tok")
	if _, err := pub.Publish(context.Background(), payload); !faults.IsFatal(err) {
		t.Fatalf("expected fatal mismatch error, got %v", err)
	}
}

func TestPinningPublisherTransientOn5xx(t *testing.T) {
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer flaky.Close()

	pub := NewPinningPublisher(flaky.URL, "")
	if _, err := pub.Publish(context.Background(), []byte("x")); !faults.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
