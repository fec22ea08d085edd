// Package persistence is the gateway to the external document store. The
// store is opaque and key-addressable: read(collection, id),
// write(collection, id, document), query(collection, predicate). Writes are
// transactional per document; nothing here assumes cross-document atomicity.
//
// Every call goes through a circuit breaker, and transient failures are
// retried with exponential backoff before surfacing as Unavailable. Callers
// must never hold a room's writer lock across these calls.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/metrics"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

const (
	collectionGameStates  = "gameStates"
	collectionCompletions = "completions"

	defaultOpTimeout  = 10 * time.Second
	defaultMaxRetries = 3
)

// CompletionRecord is written when an interaction finishes.
type CompletionRecord struct {
	InteractionID types.InteractionID `json:"interactionId"`
	Reason        string              `json:"reason"`
	CompletedAt   int64               `json:"completedAt"`
	FinalState    *types.GameState    `json:"finalState"`
}

// Gateway is the persistence boundary the rest of the core depends on.
type Gateway interface {
	ReadState(ctx context.Context, interactionID types.InteractionID) (*types.GameState, error)
	WriteSnapshot(ctx context.Context, state *types.GameState) error
	WriteCompletion(ctx context.Context, record CompletionRecord) error
	Ping(ctx context.Context) error
}

// Client talks to the document store over HTTP with JSON framing.
type Client struct {
	baseURL       string
	deployKey     string
	httpClient    *http.Client
	cb            *gobreaker.CircuitBreaker
	opTimeout     time.Duration
	maxRetries    uint64
	retryInterval time.Duration
}

// NewClient creates a store client. baseURL is the deployment endpoint
// (CONVEX_URL); deployKey authenticates server-side writes.
func NewClient(baseURL, deployKey string, opTimeout time.Duration) *Client {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	st := gobreaker.Settings{
		Name:        "document-store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("document_store").Set(stateVal)
		},
	}

	return &Client{
		baseURL:       baseURL,
		deployKey:     deployKey,
		httpClient:    &http.Client{Timeout: opTimeout},
		cb:            gobreaker.NewCircuitBreaker(st),
		opTimeout:     opTimeout,
		maxRetries:    defaultMaxRetries,
		retryInterval: backoff.DefaultInitialInterval,
	}
}

// ReadState loads the initial GameState for an interaction. A 404 surfaces
// as NotFound so room creation can distinguish "new" from "unreachable".
func (c *Client) ReadState(ctx context.Context, interactionID types.InteractionID) (*types.GameState, error) {
	var state types.GameState
	err := c.read(ctx, collectionGameStates, string(interactionID), &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// WriteSnapshot persists a full state snapshot keyed by interaction.
func (c *Client) WriteSnapshot(ctx context.Context, state *types.GameState) error {
	return c.write(ctx, collectionGameStates, string(state.InteractionID), state)
}

// WriteCompletion records the final outcome of an interaction.
func (c *Client) WriteCompletion(ctx context.Context, record CompletionRecord) error {
	return c.write(ctx, collectionCompletions, string(record.InteractionID), record)
}

// Ping checks connectivity for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("store returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return types.WrapError(types.KindUnavailable, "document store unreachable", err)
	}
	return nil
}

// --- document operations ---

func (c *Client) read(ctx context.Context, collection, id string, out any) error {
	op := func() error {
		body, status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%s/%s", collection, id), nil)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusNotFound:
			return backoff.Permanent(types.NewError(types.KindNotFound, fmt.Sprintf("%s/%s not found", collection, id)))
		case status >= 400:
			return fmt.Errorf("read %s/%s: store returned %d", collection, id, status)
		}
		return json.Unmarshal(body, out)
	}
	return c.retry(ctx, "read", op)
}

func (c *Client) write(ctx context.Context, collection, id string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to marshal document", err)
	}

	op := func() error {
		_, status, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/documents/%s/%s", collection, id), payload)
		if err != nil {
			return err
		}
		if status >= 400 {
			return fmt.Errorf("write %s/%s: store returned %d", collection, id, status)
		}
		return nil
	}
	return c.retry(ctx, "write", op)
}

// Query runs a predicate against a collection and decodes the result list.
func (c *Client) Query(ctx context.Context, collection string, predicate map[string]any, out any) error {
	payload, err := json.Marshal(predicate)
	if err != nil {
		return types.WrapError(types.KindInternal, "failed to marshal predicate", err)
	}

	op := func() error {
		body, status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/documents/%s/query", collection), payload)
		if err != nil {
			return err
		}
		if status >= 400 {
			return fmt.Errorf("query %s: store returned %d", collection, status)
		}
		return json.Unmarshal(body, out)
	}
	return c.retry(ctx, "query", op)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.deployKey != "" {
			req.Header.Set("Authorization", "Convex "+c.deployKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &storeResponse{body: data, status: resp.StatusCode}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Document store circuit breaker open", zap.String("path", path))
		}
		return nil, 0, err
	}
	sr := res.(*storeResponse)
	return sr.body, sr.status, nil
}

type storeResponse struct {
	body   []byte
	status int
}

// retry wraps an operation in exponential backoff. Permanent errors (4xx
// semantics) pass through; exhaustion surfaces as Unavailable.
func (c *Client) retry(ctx context.Context, opName string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)

	err := backoff.Retry(op, policy)
	if err != nil {
		var typed *types.Error
		if ok := asTypedError(err, &typed); ok {
			return typed
		}
		metrics.PersistenceFailures.WithLabelValues(opName).Inc()
		logging.Error(ctx, "Persistence operation failed after retries",
			zap.String("op", opName), zap.Error(err))
		return types.WrapError(types.KindUnavailable, "document store operation failed", err)
	}
	return nil
}

func asTypedError(err error, out **types.Error) bool {
	for err != nil {
		if e, ok := err.(*types.Error); ok {
			*out = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
