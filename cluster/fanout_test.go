package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCluster(t *testing.T, handlers map[string]http.HandlerFunc) *Client {
	t.Helper()
	var overrides = make(map[string]string, len(handlers))
	for worker, handler := range handlers {
		var server = httptest.NewServer(handler)
		t.Cleanup(server.Close)
		overrides[worker] = server.URL
	}
	return NewClient(&AddressResolver{Port: 80, Overrides: overrides})
}

func TestMulticastCompleteness(t *testing.T) {
	var ok = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"unit": r.Host})
	}
	var failing = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}
	var c = testCluster(t, map[string]http.HandlerFunc{
		"pio01": ok,
		"pio02": failing,
	})
	// pio03 has no server at all: connection refused.
	c.resolver.(*AddressResolver).Overrides["pio03"] = "http://127.0.0.1:1"

	var results, err = c.Multicast(context.Background(), GET, "/unit_api/jobs/running",
		[]string{"pio01", "pio02", "pio03"}, nil, nil, time.Second)
	require.NoError(t, err)

	// One entry per worker, failures folded to nil.
	require.Len(t, results, 3)
	require.NotNil(t, results["pio01"])
	require.Nil(t, results["pio02"])
	require.Nil(t, results["pio03"])
}

func TestMulticastRejectsNonUnitAPIEndpoints(t *testing.T) {
	var c = testCluster(t, nil)
	var _, err = c.Multicast(context.Background(), GET, "/api/experiments", []string{"pio01"}, nil, nil, time.Second)
	require.Error(t, err)
}

func TestMulticastPostBody(t *testing.T) {
	var received = make(chan []byte, 1)
	var c = testCluster(t, map[string]http.HandlerFunc{
		"pio01": func(w http.ResponseWriter, r *http.Request) {
			var body = make([]byte, r.ContentLength)
			r.Body.Read(body)
			received <- body
			w.WriteHeader(http.StatusAccepted)
		},
	})

	var results, err = c.Multicast(context.Background(), POST, "/unit_api/jobs/stop/all",
		[]string{"pio01"}, []byte(`{"filter":"x"}`), nil, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	// An empty 202 response is reported as JSON null, not a failure.
	require.Equal(t, json.RawMessage("null"), results["pio01"])
	require.JSONEq(t, `{"filter":"x"}`, string(<-received))
}

func TestMulticastGlobalTimeout(t *testing.T) {
	var c = testCluster(t, map[string]http.HandlerFunc{
		"slow": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		},
	})

	var start = time.Now()
	var results, err = c.Multicast(context.Background(), GET, "/unit_api/jobs/running",
		[]string{"slow"}, nil, nil, 100*time.Millisecond)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Len(t, results, 1)
	require.Nil(t, results["slow"])
}

func TestAddressResolverDefault(t *testing.T) {
	var r = &AddressResolver{Port: 80}
	require.Equal(t, "http://pio01.local:80", r.Resolve("pio01"))
}
