package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/cache"
	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/events"
	"github.com/visiquate/cco-sub021/internal/pricing"
	"github.com/visiquate/cco-sub021/internal/routing"
)

type fakeProvider struct {
	name   string
	calls  atomic.Int32
	reply  func(ctx context.Context, req *core.Request) (*core.Response, error)
	deltas []string
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Type() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req *core.Request) (*core.Response, error) {
	f.calls.Add(1)
	return f.reply(ctx, req)
}

func (f *fakeProvider) Stream(ctx context.Context, req *core.Request, onDelta func(string)) (*core.Response, error) {
	f.calls.Add(1)
	for _, d := range f.deltas {
		onDelta(d)
	}
	return f.reply(ctx, req)
}

func replyWith(content string, usage core.Usage) func(context.Context, *core.Request) (*core.Response, error) {
	return func(_ context.Context, req *core.Request) (*core.Response, error) {
		return &core.Response{ID: "resp-1", ModelUsed: req.Model, Content: content, Usage: usage, StopReason: "end_turn"}, nil
	}
}

func failWith(err error) func(context.Context, *core.Request) (*core.Response, error) {
	return func(context.Context, *core.Request) (*core.Response, error) {
		return nil, err
	}
}

// hang blocks until the attempt context ends, like an upstream that never answers.
func hang(ctx context.Context, _ *core.Request) (*core.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingSink struct {
	mu     sync.Mutex
	events []*core.APICallEvent
}

func (s *recordingSink) Record(ev *core.APICallEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) all() []*core.APICallEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.APICallEvent(nil), s.events...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	pipeline  *Pipeline
	sink      *recordingSink
	publisher *recordingPublisher
	store     *cache.Store
}

func testRouting() config.RoutingConfig {
	return config.RoutingConfig{
		Rules: []config.RouteRule{
			{Pattern: "^tier-a", Provider: "provider-x", Timeout: 100 * time.Millisecond},
			{Pattern: "^chain-", Provider: "p1"},
		},
		Fallbacks: map[string][]string{
			"provider-x": {"provider-y"},
			"p1":         {"p2", "p3"},
		},
		DefaultTimeout: time.Second,
	}
}

func testPricing() *pricing.Calculator {
	return pricing.NewCalculator(pricing.NewTable(map[string]pricing.ModelPricing{
		"tier-a": {Tier: core.TierSonnet, InputPerMillion: 3, OutputPerMillion: 15},
	}))
}

func newFixture(t *testing.T, rcfg config.RoutingConfig, providers ...*fakeProvider) *fixture {
	t.Helper()
	router, err := routing.New(rcfg, nil)
	require.NoError(t, err)
	store, err := cache.New(cache.Config{MaxWeight: 1 << 20, TTL: 60 * time.Second})
	require.NoError(t, err)

	set := make(map[string]core.Provider, len(providers))
	for _, p := range providers {
		set[p.name] = p
	}
	f := &fixture{sink: &recordingSink{}, publisher: &recordingPublisher{}, store: store}
	f.pipeline, err = New(Options{
		Providers: set,
		Router:    router,
		Pricing:   testPricing(),
		Cache:     cache.NewTiered(store, nil),
		Events:    f.publisher,
		Sinks:     []core.EventSink{f.sink},
	})
	require.NoError(t, err)
	return f
}

func tierARequest() *core.Request {
	return &core.Request{
		Model:     "tier-a",
		Messages:  []core.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 50,
	}
}

func TestNew_RequiresRouterAndPricing(t *testing.T) {
	_, err := New(Options{Pricing: testPricing()})
	assert.Error(t, err)

	router, err := routing.New(testRouting(), nil)
	require.NoError(t, err)
	_, err = New(Options{Router: router})
	assert.Error(t, err)
}

func TestComplete_MissThenHit(t *testing.T) {
	x := &fakeProvider{name: "provider-x", reply: replyWith("hello", core.Usage{InputTokens: 1000, OutputTokens: 500})}
	f := newFixture(t, testRouting(), x)

	first, err := f.pipeline.Complete(context.Background(), tierARequest())
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "provider-x", first.Provider)

	second, err := f.pipeline.Complete(context.Background(), tierARequest())
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, "hello", second.Content)
	assert.Regexp(t, `^cache-[0-9a-f-]{36}$`, second.ID)
	assert.Equal(t, int32(1), x.calls.Load(), "provider must not be called for a hit")

	evs := f.sink.all()
	require.Len(t, evs, 2)

	miss, hit := evs[0], evs[1]
	assert.False(t, miss.CacheHit)
	assert.Equal(t, core.FromUSD(0.0105), miss.ActualCost)
	assert.Equal(t, miss.ActualCost, miss.WouldBeCost)
	assert.Equal(t, core.TierSonnet, miss.Tier)
	assert.True(t, miss.PricingKnown)
	assert.Equal(t, 1, miss.Attempts)

	assert.True(t, hit.CacheHit)
	assert.Equal(t, core.Nanos(0), hit.ActualCost)
	assert.Equal(t, core.FromUSD(0.0105), hit.WouldBeCost)
	assert.Equal(t, CacheProvider, hit.Provider)
	assert.Equal(t, 0, hit.Attempts)
	assert.NotEqual(t, miss.RequestID, hit.RequestID)

	assert.Contains(t, f.publisher.types(), events.TypeCacheHit)
}

func TestComplete_TimeoutFallsBack(t *testing.T) {
	x := &fakeProvider{name: "provider-x", reply: hang}
	y := &fakeProvider{name: "provider-y", reply: replyWith("from y", core.Usage{InputTokens: 10, OutputTokens: 5})}
	f := newFixture(t, testRouting(), x, y)

	var seen []string
	var mu sync.Mutex
	x.reply = func(ctx context.Context, req *core.Request) (*core.Response, error) {
		mu.Lock()
		seen = append(seen, req.Model+"|"+req.Messages[0].Content)
		mu.Unlock()
		return hang(ctx, req)
	}
	y.reply = func(ctx context.Context, req *core.Request) (*core.Response, error) {
		mu.Lock()
		seen = append(seen, req.Model+"|"+req.Messages[0].Content)
		mu.Unlock()
		return replyWith("from y", core.Usage{InputTokens: 10, OutputTokens: 5})(ctx, req)
	}

	start := time.Now()
	resp, err := f.pipeline.Complete(context.Background(), tierARequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "the rule timeout should bound the first attempt")
	assert.Equal(t, "from y", resp.Content)
	assert.Equal(t, "provider-y", resp.Provider)
	assert.Equal(t, []string{"tier-a|hi", "tier-a|hi"}, seen, "fallback must send the identical request")

	evs := f.sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "provider-y", evs[0].Provider)
	assert.True(t, evs[0].FallbackAttempted)
	assert.Equal(t, 2, evs[0].Attempts)
	assert.Empty(t, evs[0].ErrorCode)
}

func TestComplete_ExhaustedChainTerminates(t *testing.T) {
	var providers []*fakeProvider
	for _, name := range []string{"p1", "p2", "p3"} {
		providers = append(providers, &fakeProvider{
			name:  name,
			reply: failWith(core.NewProviderError(name, 502, "upstream down", nil)),
		})
	}
	rcfg := testRouting()
	// A cyclic chain must still terminate: each provider is tried once.
	rcfg.Fallbacks["p2"] = []string{"p1"}
	rcfg.Fallbacks["p1"] = []string{"p2", "p3", "p1", "p2"}
	f := newFixture(t, rcfg, providers...)

	req := tierARequest()
	req.Model = "chain-model"
	_, err := f.pipeline.Complete(context.Background(), req)

	var fbErr *core.FallbackError
	require.ErrorAs(t, err, &fbErr)
	assert.Equal(t, 3, fbErr.Attempts)
	assert.True(t, fbErr.FallbackAttempted)
	assert.Equal(t, core.ErrorTypeProvider, fbErr.Last.Type)
	assert.Len(t, fbErr.Errors, 3)
	for _, p := range providers {
		assert.Equal(t, int32(1), p.calls.Load(), p.name)
	}

	evs := f.sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, string(core.ErrorTypeProvider), evs[0].ErrorCode)
	assert.Equal(t, 3, evs[0].Attempts)
	assert.Equal(t, "p3", evs[0].Provider)
}

func TestComplete_AuthErrorStillFallsBack(t *testing.T) {
	p1 := &fakeProvider{name: "p1", reply: failWith(core.NewAuthenticationError("p1", "bad key"))}
	p2 := &fakeProvider{name: "p2", reply: replyWith("ok", core.Usage{})}
	f := newFixture(t, testRouting(), p1, p2)

	req := tierARequest()
	req.Model = "chain-model"
	resp, err := f.pipeline.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.Provider)
}

func TestComplete_UnknownProviderInChainIsSkipped(t *testing.T) {
	p3 := &fakeProvider{name: "p3", reply: replyWith("ok", core.Usage{})}
	f := newFixture(t, testRouting(), p3)

	req := tierARequest()
	req.Model = "chain-model"
	resp, err := f.pipeline.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "p3", resp.Provider)
	assert.Equal(t, 3, f.sink.all()[0].Attempts)
}

func TestComplete_NoRoute(t *testing.T) {
	f := newFixture(t, testRouting())

	req := tierARequest()
	req.Model = "nothing-matches"
	_, err := f.pipeline.Complete(context.Background(), req)

	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.ErrorTypeNoRoute, gwErr.Type)
	assert.ErrorIs(t, err, routing.ErrNoRouteFound)

	evs := f.sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, string(core.ErrorTypeNoRoute), evs[0].ErrorCode)
	assert.Equal(t, 0, evs[0].Attempts)
}

func TestComplete_InvalidRequest(t *testing.T) {
	f := newFixture(t, testRouting())

	_, err := f.pipeline.Complete(context.Background(), &core.Request{Model: "tier-a"})
	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.ErrorTypeInvalidRequest, gwErr.Type)
	assert.Len(t, f.sink.all(), 1)
}

func TestComplete_ClientCancelStopsChain(t *testing.T) {
	x := &fakeProvider{name: "provider-x", reply: hang}
	y := &fakeProvider{name: "provider-y", reply: replyWith("never", core.Usage{})}
	rcfg := testRouting()
	rcfg.Rules[0].Timeout = 10 * time.Second
	f := newFixture(t, rcfg, x, y)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := f.pipeline.Complete(ctx, tierARequest())
	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.ErrorTypeCancelled, gwErr.Type)
	assert.Equal(t, int32(0), y.calls.Load(), "a departed client must not trigger fallback")

	evs := f.sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, string(core.ErrorTypeCancelled), evs[0].ErrorCode)
}

func TestComplete_Cooldown(t *testing.T) {
	p1 := &fakeProvider{name: "p1", reply: failWith(core.NewRateLimitError("p1", "slow down"))}
	p2 := &fakeProvider{name: "p2", reply: replyWith("ok", core.Usage{})}
	rcfg := testRouting()
	rcfg.FallbackCooldown = 50 * time.Millisecond
	f := newFixture(t, rcfg, p1, p2)

	req := tierARequest()
	req.Model = "chain-model"
	start := time.Now()
	_, err := f.pipeline.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestStream_DeltasAndEvents(t *testing.T) {
	x := &fakeProvider{
		name:   "provider-x",
		deltas: []string{"hel", "lo"},
		reply:  replyWith("hello", core.Usage{InputTokens: 3, OutputTokens: 2}),
	}
	f := newFixture(t, testRouting(), x)

	var got []string
	resp, err := f.pipeline.Stream(context.Background(), tierARequest(), func(text string) {
		got = append(got, text)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, got)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, []events.Type{
		events.TypeStarted, events.TypeTextDelta, events.TypeTextDelta, events.TypeCompleted,
	}, f.publisher.types())

	// The streamed response was cached and replays as one delta.
	got = nil
	resp, err = f.pipeline.Stream(context.Background(), tierARequest(), func(text string) {
		got = append(got, text)
	})
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, []string{"hello"}, got)
}

func TestStream_NoFallbackAfterOutput(t *testing.T) {
	x := &fakeProvider{
		name:   "provider-x",
		deltas: []string{"partial"},
		reply:  failWith(core.NewProviderError("provider-x", 502, "stream broke", nil)),
	}
	y := &fakeProvider{name: "provider-y", reply: replyWith("y", core.Usage{})}
	f := newFixture(t, testRouting(), x, y)

	_, err := f.pipeline.Stream(context.Background(), tierARequest(), func(string) {})
	var fbErr *core.FallbackError
	require.ErrorAs(t, err, &fbErr)
	assert.Equal(t, 1, fbErr.Attempts)
	assert.Equal(t, int32(0), y.calls.Load())

	evs := f.sink.all()
	require.Len(t, evs, 1)
	assert.Positive(t, evs[0].OutputTokens, "partial output should be accounted")
}

func TestComplete_PanickingSinkDoesNotFailRequest(t *testing.T) {
	x := &fakeProvider{name: "provider-x", reply: replyWith("ok", core.Usage{})}
	router, err := routing.New(testRouting(), nil)
	require.NoError(t, err)
	good := &recordingSink{}
	p, err := New(Options{
		Providers: map[string]core.Provider{"provider-x": x},
		Router:    router,
		Pricing:   testPricing(),
		Sinks: []core.EventSink{
			core.EventSinkFunc(func(*core.APICallEvent) { panic("boom") }),
			good,
		},
	})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), tierARequest())
	require.NoError(t, err)
	assert.Len(t, good.all(), 1)
}

func TestComplete_RequestIDFromContext(t *testing.T) {
	x := &fakeProvider{name: "provider-x", reply: func(ctx context.Context, req *core.Request) (*core.Response, error) {
		if core.GetRequestID(ctx) != "req-42" {
			return nil, errors.New("request id not propagated")
		}
		if core.GetAttempt(ctx) != 1 {
			return nil, errors.New("attempt not set")
		}
		return &core.Response{Content: "ok"}, nil
	}}
	f := newFixture(t, testRouting(), x)

	resp, err := f.pipeline.Complete(core.WithRequestID(context.Background(), "req-42"), tierARequest())
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.ID)
	assert.Equal(t, "tier-a", resp.ModelUsed)
	assert.Equal(t, "req-42", f.sink.all()[0].RequestID)
}

type auditCall struct {
	ev   *core.APICallEvent
	req  *core.Request
	resp *core.Response
	err  error
}

type recordingAuditor struct {
	mu    sync.Mutex
	calls []auditCall
}

func (a *recordingAuditor) Audit(ev *core.APICallEvent, req *core.Request, resp *core.Response, err error) {
	a.mu.Lock()
	a.calls = append(a.calls, auditCall{ev: ev, req: req, resp: resp, err: err})
	a.mu.Unlock()
}

func (a *recordingAuditor) all() []auditCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auditCall(nil), a.calls...)
}

func TestPipeline_AuditsEveryOutcome(t *testing.T) {
	x := &fakeProvider{name: "provider-x", reply: replyWith("audited", core.Usage{InputTokens: 10, OutputTokens: 4})}
	router, err := routing.New(testRouting(), nil)
	require.NoError(t, err)
	store, err := cache.New(cache.Config{MaxWeight: 1 << 20, TTL: time.Minute})
	require.NoError(t, err)
	auditor := &recordingAuditor{}
	p, err := New(Options{
		Providers: map[string]core.Provider{"provider-x": x},
		Router:    router,
		Pricing:   testPricing(),
		Cache:     cache.NewTiered(store, nil),
		Audit:     auditor,
	})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), tierARequest())
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), tierARequest())
	require.NoError(t, err)
	req := tierARequest()
	req.Model = "nothing-matches"
	_, err = p.Complete(context.Background(), req)
	require.Error(t, err)

	calls := auditor.all()
	require.Len(t, calls, 3)

	assert.Equal(t, "audited", calls[0].resp.Content)
	assert.Equal(t, "provider-x", calls[0].ev.Provider)
	assert.Equal(t, "tier-a", calls[0].req.Model)
	assert.NoError(t, calls[0].err)

	assert.True(t, calls[1].ev.CacheHit)
	assert.Equal(t, "audited", calls[1].resp.Content)

	assert.Nil(t, calls[2].resp)
	assert.Equal(t, "nothing-matches", calls[2].req.Model)
	var gwErr *core.GatewayError
	require.ErrorAs(t, calls[2].err, &gwErr)
	assert.Equal(t, core.ErrorTypeNoRoute, gwErr.Type)
}

type panickingAuditor struct{}

func (panickingAuditor) Audit(*core.APICallEvent, *core.Request, *core.Response, error) {
	panic("audit store exploded")
}

func TestPipeline_PanickingAuditorDoesNotFailRequest(t *testing.T) {
	x := &fakeProvider{name: "provider-x", reply: replyWith("ok", core.Usage{})}
	router, err := routing.New(testRouting(), nil)
	require.NoError(t, err)
	sink := &recordingSink{}
	p, err := New(Options{
		Providers: map[string]core.Provider{"provider-x": x},
		Router:    router,
		Pricing:   testPricing(),
		Sinks:     []core.EventSink{sink},
		Audit:     panickingAuditor{},
	})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), tierARequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Len(t, sink.all(), 1)
}
