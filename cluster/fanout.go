package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// FanoutTimeout bounds a whole multicast so a slow worker can't pin a task
// executor indefinitely.
const FanoutTimeout = 30 * time.Second

var fanoutFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pioreactorui_fanout_worker_failures_total",
	Help: "Unit API calls within a fan-out which returned no result.",
}, []string{"verb"})

// Verb is the HTTP method of a fan-out.
type Verb string

const (
	GET    Verb = "GET"
	POST   Verb = "POST"
	PATCH  Verb = "PATCH"
	DELETE Verb = "DELETE"
)

// Multicast invokes endpoint on every worker in parallel and returns one
// entry per worker. Unreachable or failing workers map to nil; there is no
// ordering among workers. Endpoints must target the unit API.
func (c *Client) Multicast(ctx context.Context, verb Verb, endpoint string, workers []string, body []byte, params url.Values, timeout time.Duration) (map[string]json.RawMessage, error) {
	if !strings.HasPrefix(endpoint, "/unit_api") {
		return nil, fmt.Errorf("refusing to multicast non unit-api endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = FanoutTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var results = make(map[string]json.RawMessage, len(workers))

	var group, groupCtx = errgroup.WithContext(ctx)
	for _, worker := range workers {
		worker := worker
		group.Go(func() error {
			var result json.RawMessage
			switch verb {
			case GET:
				result = c.Get(groupCtx, worker, endpoint, params)
			case POST:
				result = c.Post(groupCtx, worker, endpoint, body)
			case PATCH:
				result = c.Patch(groupCtx, worker, endpoint, body)
			case DELETE:
				result = c.Delete(groupCtx, worker, endpoint, body)
			default:
				return fmt.Errorf("unknown verb %q", verb)
			}
			if result == nil {
				fanoutFailures.WithLabelValues(string(verb)).Inc()
			}
			mu.Lock()
			results[worker] = result
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
