package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"torpool/internal/logging"
	"torpool/internal/torerr"
)

func testLogger() *logging.Logger {
	return logging.New("error", io.Discard)
}

func TestFetchParsesRelays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"relays":[
			{"fingerprint":"AAAA","or_addresses":["1.2.3.4:443"],"country":"us","exit_probability":0.5},
			{"fingerprint":"BBBB","or_addresses":["not-an-ip:443"]},
			{"fingerprint":"CCCC","or_addresses":["5.6.7.8:443"],"country":"de"}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	records, err := c.Fetch(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 usable records (no-address one dropped), got %d: %+v", len(records), records)
	}
	if records[0].ID != "AAAA" || records[0].Address != "1.2.3.4" || !records[0].HasProbability {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
}

func TestFetchCountryFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"relays":[
			{"fingerprint":"AAAA","or_addresses":["1.2.3.4:443"],"country":"US"},
			{"fingerprint":"CCCC","or_addresses":["5.6.7.8:443"],"country":"DE"}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	records, err := c.Fetch(context.Background(), Filter{Countries: map[string]bool{"DE": true}})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "CCCC" {
		t.Fatalf("expected only the DE relay, got %+v", records)
	}
}

func TestFetchMaxRelays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"relays":[
			{"fingerprint":"A","or_addresses":["1.1.1.1:1"]},
			{"fingerprint":"B","or_addresses":["2.2.2.2:2"]},
			{"fingerprint":"C","or_addresses":["3.3.3.3:3"]}
		]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	records, err := c.Fetch(context.Background(), Filter{MaxRelays: 2})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records capped by MaxRelays, got %d", len(records))
	}
}

func TestFetchUnreachableIsDirectoryUnavailable(t *testing.T) {
	c := New("http://127.0.0.1:1", testLogger())
	_, err := c.Fetch(context.Background(), Filter{})
	if !errors.Is(err, torerr.ErrDirectoryUnavailable) {
		t.Fatalf("expected ErrDirectoryUnavailable, got %v", err)
	}
}

func TestFetchMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	_, err := c.Fetch(context.Background(), Filter{})
	if !errors.Is(err, torerr.ErrDirectoryMalformed) {
		t.Fatalf("expected ErrDirectoryMalformed, got %v", err)
	}
}
