package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	models []api.Model
	err    error
	calls  int
	ctxErr error
}

func (f *fakeSource) ListModels(ctx context.Context) ([]api.Model, error) {
	f.calls++
	f.ctxErr = ctx.Err()
	if f.ctxErr != nil {
		return nil, f.ctxErr
	}
	return f.models, f.err
}

func TestStatic(t *testing.T) {
	models := Static()
	require.Len(t, models, 13)
	assert.Equal(t, "meta-llama/llama-3.2-3b-instruct:free", models[0].ID)
	assert.Equal(t, "meta-llama", models[0].OwnedBy)
	assert.Equal(t, int64(1677610602), models[0].Created)
	assert.Equal(t, models[0].ID, models[0].Root)

	raw, err := json.Marshal(models[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"permission":[]`)
	assert.Contains(t, string(raw), `"parent":null`)
}

func TestCatalog_CachesUntilExpiry(t *testing.T) {
	src := &fakeSource{models: []api.Model{newModel("openai/gpt-4o", 1)}}
	c := New(src, Options{TTL: time.Minute}, zap.NewNop())
	now := time.Now()
	c.now = func() time.Time { return now }

	assert.Len(t, c.List(context.Background()), 1)
	assert.Len(t, c.List(context.Background()), 1)
	assert.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	src.models = append(src.models, newModel("openai/gpt-4o-mini", 1))
	assert.Len(t, c.List(context.Background()), 2)
	assert.Equal(t, 2, src.calls)
}

func TestCatalog_FailureServesStaleThenStatic(t *testing.T) {
	src := &fakeSource{err: errors.New("unreachable")}
	c := New(src, Options{TTL: time.Minute, RetryAfter: 10 * time.Second}, zap.NewNop())
	now := time.Now()
	c.now = func() time.Time { return now }

	assert.Len(t, c.List(context.Background()), len(staticIDs))
	// failure is remembered for RetryAfter
	c.List(context.Background())
	assert.Equal(t, 1, src.calls)

	src.err = nil
	src.models = []api.Model{newModel("x/y", 1)}
	now = now.Add(11 * time.Second)
	assert.Len(t, c.List(context.Background()), 1)

	src.err = errors.New("down again")
	now = now.Add(2 * time.Minute)
	got := c.List(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "x/y", got[0].ID)
}

func TestOpenAISource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"id":"openai/gpt-4o","object":"model","created":1715367049,"owned_by":""},
			{"id":"anthropic/claude-3-opus","object":"model","created":1709596800,"owned_by":"anthropic"}
		]}`))
	}))
	defer server.Close()

	src := NewOpenAISource(server.URL+"/api/v1", "key")
	models, err := src.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "openai", models[0].OwnedBy)
	assert.Equal(t, int64(1715367049), models[0].Created)
	assert.Equal(t, "anthropic/claude-3-opus", models[1].Root)
}

func TestCatalog_NilSourceIsStatic(t *testing.T) {
	c := New(nil, Options{}, zap.NewNop())
	assert.Equal(t, Static(), c.List(context.Background()))
}

func TestCatalog_RefreshIgnoresCallerCancellation(t *testing.T) {
	src := &fakeSource{models: []api.Model{newModel("openai/gpt-4o", 1)}}
	c := New(src, Options{TTL: time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := c.List(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, "openai/gpt-4o", got[0].ID)
	assert.NoError(t, src.ctxErr)

	// the fresh list is served to later callers without another fetch
	assert.Len(t, c.List(context.Background()), 1)
	assert.Equal(t, 1, src.calls)
}

func TestCatalog_ConcurrentCallersShareOneRefresh(t *testing.T) {
	src := &blockingSource{release: make(chan struct{})}
	c := New(src, Options{TTL: time.Minute}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, c.List(context.Background()), 1)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())
}

type blockingSource struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingSource) ListModels(ctx context.Context) ([]api.Model, error) {
	b.calls.Add(1)
	<-b.release
	return []api.Model{newModel("x/y", 1)}, nil
}
