package chroma

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/telemetry"
)

// Actor wraps a Gateway behind single-owner goroutines, one per collection.
// Calls targeting one collection execute in submission order; calls for
// different collections run concurrently. Collection-namespace operations
// (list/create/delete/modify) share one lane so the namespace itself is
// serialized.
//
// Every call carries a timeout. On expiry the caller gets
// ErrExternalTimeout and abandons the reply channel; the worker finishes
// the in-flight call and discards the result.
type Actor struct {
	inner   Gateway
	timeout time.Duration

	mu      sync.Mutex
	lanes   map[string]chan func()
	closed  bool
	done    chan struct{}
	sending sync.WaitGroup
	wg      sync.WaitGroup
}

// namespaceLane serializes operations on the collection namespace itself.
const namespaceLane = "\x00namespace"

// NewActor wraps inner. timeout bounds each call; zero means no bound.
func NewActor(inner Gateway, timeout time.Duration) *Actor {
	return &Actor{
		inner:   inner,
		timeout: timeout,
		lanes:   make(map[string]chan func()),
		done:    make(chan struct{}),
	}
}

// lane returns the channel for laneName and registers the caller as an
// in-flight sender. Registration happens under the same lock Close takes, so
// the lane channel stays open until the sender either queued its op or
// observed done.
func (a *Actor) lane(name string) (chan func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("gateway actor closed: %w", dmmserr.ErrInternal)
	}
	ch, ok := a.lanes[name]
	if !ok {
		ch = make(chan func(), 64)
		a.lanes[name] = ch
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for fn := range ch {
				fn()
			}
		}()
	}
	a.sending.Add(1)
	return ch, nil
}

// do runs op on the lane for laneName and waits for completion or timeout,
// recording the call latency under opName.
func (a *Actor) do(ctx context.Context, laneName, opName string, op func(ctx context.Context) error) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	ch, err := a.lane(laneName)
	if err != nil {
		return err
	}

	start := time.Now()
	reply := make(chan error, 1)
	select {
	case ch <- func() { reply <- op(ctx) }:
		a.sending.Done()
	case <-ctx.Done():
		a.sending.Done()
		return fmt.Errorf("queueing gateway call: %w", dmmserr.ErrExternalTimeout)
	case <-a.done:
		a.sending.Done()
		return fmt.Errorf("gateway actor closed: %w", dmmserr.ErrInternal)
	}

	select {
	case err := <-reply:
		telemetry.RecordGatewayCall(ctx, opName, time.Since(start))
		return err
	case <-ctx.Done():
		return fmt.Errorf("gateway call for %q: %w", laneName, dmmserr.ErrExternalTimeout)
	}
}

func (a *Actor) ListCollections(ctx context.Context) ([]string, error) {
	var out []string
	err := a.do(ctx, namespaceLane, "list_collections", func(ctx context.Context) error {
		var err error
		out, err = a.inner.ListCollections(ctx)
		return err
	})
	return out, err
}

func (a *Actor) CreateCollection(ctx context.Context, name string, metadata map[string]interface{}) error {
	return a.do(ctx, namespaceLane, "create_collection", func(ctx context.Context) error {
		return a.inner.CreateCollection(ctx, name, metadata)
	})
}

func (a *Actor) DeleteCollection(ctx context.Context, name string) error {
	return a.do(ctx, namespaceLane, "delete_collection", func(ctx context.Context) error {
		return a.inner.DeleteCollection(ctx, name)
	})
}

func (a *Actor) GetCollectionMetadata(ctx context.Context, name string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := a.do(ctx, name, "get_collection_metadata", func(ctx context.Context) error {
		var err error
		out, err = a.inner.GetCollectionMetadata(ctx, name)
		return err
	})
	return out, err
}

func (a *Actor) ModifyCollection(ctx context.Context, name, newName string, metadata map[string]interface{}) error {
	return a.do(ctx, namespaceLane, "modify_collection", func(ctx context.Context) error {
		return a.inner.ModifyCollection(ctx, name, newName, metadata)
	})
}

func (a *Actor) Count(ctx context.Context, name string) (int, error) {
	var out int
	err := a.do(ctx, name, "count", func(ctx context.Context) error {
		var err error
		out, err = a.inner.Count(ctx, name)
		return err
	})
	return out, err
}

func (a *Actor) AddDocuments(ctx context.Context, collection string, docs []Document) error {
	return a.do(ctx, collection, "add_documents", func(ctx context.Context) error {
		return a.inner.AddDocuments(ctx, collection, docs)
	})
}

func (a *Actor) GetDocuments(ctx context.Context, collection string, ids []string, where Where) ([]Document, error) {
	var out []Document
	err := a.do(ctx, collection, "get_documents", func(ctx context.Context) error {
		var err error
		out, err = a.inner.GetDocuments(ctx, collection, ids, where)
		return err
	})
	return out, err
}

func (a *Actor) DeleteDocuments(ctx context.Context, collection string, ids []string) error {
	return a.do(ctx, collection, "delete_documents", func(ctx context.Context) error {
		return a.inner.DeleteDocuments(ctx, collection, ids)
	})
}

func (a *Actor) Query(ctx context.Context, collection, text string, n int, where Where, whereDocument string) (*QueryResult, error) {
	var out *QueryResult
	err := a.do(ctx, collection, "query", func(ctx context.Context) error {
		var err error
		out, err = a.inner.Query(ctx, collection, text, n, where, whereDocument)
		return err
	})
	return out, err
}

func (a *Actor) Heartbeat(ctx context.Context) error {
	return a.do(ctx, namespaceLane, "heartbeat", func(ctx context.Context) error {
		return a.inner.Heartbeat(ctx)
	})
}

// Close drains the lanes and closes the wrapped gateway. In-flight enqueues
// are waited out before any lane channel closes, so a concurrent call can
// never send on a closed channel.
func (a *Actor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	a.mu.Unlock()

	a.sending.Wait()

	a.mu.Lock()
	for _, ch := range a.lanes {
		close(ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
	return a.inner.Close()
}

var _ Gateway = (*Actor)(nil)
