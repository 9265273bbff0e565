// Package gateway runs the per-request control flow: cache lookup, route
// resolution, the provider fallback loop, pricing and event emission.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visiquate/cco-sub021/internal/cache"
	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/events"
	"github.com/visiquate/cco-sub021/internal/pkg/llmclient"
	"github.com/visiquate/cco-sub021/internal/pricing"
	"github.com/visiquate/cco-sub021/internal/providers"
	"github.com/visiquate/cco-sub021/internal/routing"
)

// CacheProvider is the name recorded as provider for responses served from cache.
const CacheProvider = "cache"

// ResponseCache is the subset of the tiered cache the pipeline uses.
type ResponseCache interface {
	Get(ctx context.Context, key cache.Key) (*cache.CachedResponse, bool)
	Put(ctx context.Context, key cache.Key, resp *cache.CachedResponse)
}

// Resolver picks the provider chain for a model.
type Resolver interface {
	Resolve(model, agentType string) (routing.Decision, error)
	Cooldown() time.Duration
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(ev events.Event)
}

// Auditor receives every finished request with its request and response.
// resp is nil when err is set. Audit must not block.
type Auditor interface {
	Audit(ev *core.APICallEvent, req *core.Request, resp *core.Response, err error)
}

// Observer receives signals that are finer grained than one event per request.
type Observer interface {
	ObserveCacheLookup(hit bool)
	ObserveAttempt(provider string, elapsed time.Duration, err error)
	ObserveFallback(from, to string)
}

// Options wires a Pipeline. Router and Pricing are required.
type Options struct {
	Providers map[string]core.Provider
	Router    Resolver
	Pricing   *pricing.Calculator

	// Cache may be nil to disable response caching.
	Cache ResponseCache
	// Events may be nil; lifecycle events are then not published.
	Events   Publisher
	Observer Observer
	// Sinks each receive the final APICallEvent of every request.
	Sinks []core.EventSink
	// Audit may be nil to disable the audit log.
	Audit Auditor

	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Pipeline executes client requests. It is safe for concurrent use.
type Pipeline struct {
	router   Resolver
	pricing  *pricing.Calculator
	cache    ResponseCache
	events   Publisher
	observer Observer
	sinks    []core.EventSink
	audit    Auditor
	now      func() time.Time

	mu        sync.RWMutex
	providers map[string]core.Provider
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Router == nil {
		return nil, errors.New("gateway: router is required")
	}
	if opts.Pricing == nil {
		return nil, errors.New("gateway: pricing calculator is required")
	}
	p := &Pipeline{
		router:    opts.Router,
		pricing:   opts.Pricing,
		cache:     opts.Cache,
		events:    opts.Events,
		observer:  opts.Observer,
		sinks:     opts.Sinks,
		audit:     opts.Audit,
		now:       opts.Now,
		providers: make(map[string]core.Provider, len(opts.Providers)),
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	for name, provider := range opts.Providers {
		p.providers[name] = provider
	}
	return p, nil
}

// SetProviders replaces the provider set, e.g. after a config reload.
func (p *Pipeline) SetProviders(providers map[string]core.Provider) {
	next := make(map[string]core.Provider, len(providers))
	for name, provider := range providers {
		next[name] = provider
	}
	p.mu.Lock()
	p.providers = next
	p.mu.Unlock()
}

// Providers returns the configured provider names.
func (p *Pipeline) Providers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	return names
}

func (p *Pipeline) provider(name string) (core.Provider, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	provider, ok := p.providers[name]
	return provider, ok
}

// Complete serves req without streaming.
func (p *Pipeline) Complete(ctx context.Context, req *core.Request) (*core.Response, error) {
	return p.execute(ctx, req, nil)
}

// Stream serves req, passing text to onDelta as it arrives. A cache hit is
// delivered as a single delta.
func (p *Pipeline) Stream(ctx context.Context, req *core.Request, onDelta func(text string)) (*core.Response, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}
	return p.execute(ctx, req, onDelta)
}

// call tracks one request through the pipeline.
type call struct {
	requestID string
	start     time.Time
	req       *core.Request
	onDelta   func(string)

	provider string
	attempts int
	// streamed is set once any text reached the client; the chain cannot
	// advance after that without duplicating output.
	streamed bool
	partial  strings.Builder
}

func (p *Pipeline) execute(ctx context.Context, req *core.Request, onDelta func(string)) (*core.Response, error) {
	requestID := core.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = core.WithRequestID(ctx, requestID)
	}
	c := &call{requestID: requestID, start: p.now(), req: req, onDelta: onDelta}
	if req == nil {
		req = &core.Request{}
		c.req = req
	}

	p.publish(events.Started(requestID, req.Model, req.AgentType))

	if err := validate(req); err != nil {
		p.fail(c, nil, err)
		return nil, err
	}

	var key cache.Key
	if p.cache != nil {
		key = cache.Fingerprint(req)
		cached, hit := p.cache.Get(ctx, key)
		p.observer.ObserveCacheLookup(hit)
		if hit {
			return p.serveCached(c, cached), nil
		}
	}

	decision, err := p.router.Resolve(req.Model, req.AgentType)
	if err != nil {
		gwErr := core.NewNoRouteError(req.Model, err)
		p.fail(c, nil, gwErr)
		return nil, gwErr
	}

	resp, err := p.runChain(ctx, c, decision)
	if err != nil {
		var usage *core.Usage
		if c.partial.Len() > 0 {
			u := providers.EstimateUsage(req.Model, req, c.partial.String())
			usage = &u
		}
		p.fail(c, usage, err)
		return nil, err
	}

	resp.Provider = c.provider
	resp.CacheHit = false
	if resp.ID == "" {
		resp.ID = requestID
	}
	if resp.ModelUsed == "" {
		resp.ModelUsed = req.Model
	}
	if p.cache != nil && resp.Content != "" {
		p.cache.Put(ctx, key, cache.NewCachedResponse(resp, p.now()))
	}

	cost := p.pricing.ComputeUsage(resp.ModelUsed, resp.Usage)
	ev := p.newEvent(c, resp.ModelUsed, resp.Usage, cost)
	ev.ActualCost = cost.Actual
	ev.WouldBeCost = cost.WouldBe
	p.publish(events.Completed(requestID, resp.Usage, cost.Actual))
	p.emit(ev)
	p.record(ev, c.req, resp, nil)
	return resp, nil
}

func validate(req *core.Request) error {
	if len(req.Messages) == 0 {
		return core.NewInvalidRequestError("messages must not be empty", nil)
	}
	if req.MaxTokens < 0 {
		return core.NewInvalidRequestError("max_tokens must not be negative", nil)
	}
	return nil
}

// serveCached builds the response and event for a cache hit. Nothing is billed;
// the would-be cost records what the upstream call would have cost.
func (p *Pipeline) serveCached(c *call, cached *cache.CachedResponse) *core.Response {
	resp := &core.Response{
		ID:         "cache-" + uuid.NewString(),
		ModelUsed:  cached.Model,
		Content:    cached.Content,
		Usage:      cached.Usage,
		CacheHit:   true,
		StopReason: cached.StopReason,
		Provider:   CacheProvider,
	}
	if c.onDelta != nil && resp.Content != "" {
		c.onDelta(resp.Content)
		p.publish(events.TextDelta(c.requestID, resp.Content))
	}

	c.provider = CacheProvider
	cost := p.pricing.ComputeUsage(resp.ModelUsed, resp.Usage)
	ev := p.newEvent(c, resp.ModelUsed, resp.Usage, cost)
	ev.CacheHit = true
	ev.WouldBeCost = cost.WouldBe

	p.publish(events.CacheHit(c.requestID, resp.ModelUsed))
	p.publish(events.Completed(c.requestID, resp.Usage, 0))
	p.emit(ev)
	p.record(ev, c.req, resp, nil)
	return resp
}

// runChain tries the routed provider and then each fallback with the same
// request. It stops at the first success, at an error that must not fall
// back, or when the chain is exhausted.
func (p *Pipeline) runChain(ctx context.Context, c *call, decision routing.Decision) (*core.Response, error) {
	chain := decision.Chain()
	var (
		last *core.GatewayError
		errs []error
	)

	for i, name := range chain {
		if i > 0 {
			p.observer.ObserveFallback(chain[i-1], name)
			slog.Info("falling back to next provider",
				"request_id", c.requestID, "from", chain[i-1], "to", name, "attempt", i+1)
			if err := p.cooldown(ctx); err != nil {
				last = core.NewCancelledError(name, err)
				break
			}
		}

		c.provider = name
		c.attempts = i + 1

		provider, ok := p.provider(name)
		if !ok {
			last = core.NewProviderError(name, http.StatusServiceUnavailable,
				fmt.Sprintf("provider %q is not configured", name), nil)
			errs = append(errs, last)
			slog.Warn("route references unknown provider", "request_id", c.requestID, "provider", name)
			continue
		}

		resp, err := p.attempt(ctx, c, provider, decision, i == 0)
		if err == nil {
			return resp, nil
		}

		gwErr := core.ClassifyTransportError(name, err)
		if ctx.Err() != nil {
			gwErr = core.NewCancelledError(name, ctx.Err())
		}
		last = gwErr
		errs = append(errs, gwErr)
		slog.Warn("provider attempt failed",
			"request_id", c.requestID,
			"provider", name,
			"attempt", c.attempts,
			"error_type", gwErr.Type,
			"error", gwErr.Message,
		)

		if !gwErr.Fallbackable() || c.streamed {
			break
		}
	}

	if last != nil && last.Type == core.ErrorTypeCancelled {
		return nil, last
	}
	return nil, &core.FallbackError{
		Last:              last,
		FallbackAttempted: c.attempts > 1,
		Attempts:          c.attempts,
		Errors:            errs,
	}
}

// attempt makes one provider call under the route's hard timeout. Endpoint
// and retry overrides belong to the matched rule, so they apply to the first
// provider only.
func (p *Pipeline) attempt(ctx context.Context, c *call, provider core.Provider, decision routing.Decision, primary bool) (*core.Response, error) {
	timeout := decision.Timeout
	if timeout <= 0 {
		timeout = routing.DefaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx = core.WithAttempt(actx, c.attempts)
	if primary {
		actx = llmclient.WithBaseURL(actx, decision.Endpoint)
		if decision.MaxRetries > 0 {
			actx = llmclient.WithMaxRetries(actx, decision.MaxRetries)
		}
	}

	started := p.now()
	var (
		resp *core.Response
		err  error
	)
	if c.onDelta == nil {
		resp, err = provider.Complete(actx, c.req)
	} else {
		resp, err = provider.Stream(actx, c.req, func(text string) {
			c.streamed = true
			c.partial.WriteString(text)
			c.onDelta(text)
			p.publish(events.TextDelta(c.requestID, text))
		})
	}
	p.observer.ObserveAttempt(provider.Name(), p.now().Sub(started), err)

	if err == nil && resp == nil {
		err = core.NewMalformedResponseError(provider.Name(), "provider returned no response", nil)
	}
	return resp, err
}

func (p *Pipeline) cooldown(ctx context.Context) error {
	d := p.router.Cooldown()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail records a request that ended in err. usage is whatever is known to
// have been produced upstream before the failure, if anything.
func (p *Pipeline) fail(c *call, usage *core.Usage, err error) {
	var u core.Usage
	if usage != nil {
		u = *usage
	}
	model := c.req.Model
	cost := p.pricing.ComputeUsage(model, u)
	ev := p.newEvent(c, model, u, cost)
	ev.ActualCost = cost.Actual
	ev.WouldBeCost = cost.WouldBe
	ev.ErrorCode = errorCode(err)

	p.publish(events.Failed(c.requestID, err.Error()))
	p.emit(ev)
	p.record(ev, c.req, nil, err)
}

func errorCode(err error) string {
	var gwErr *core.GatewayError
	if errors.As(err, &gwErr) {
		return string(gwErr.Type)
	}
	return "internal_error"
}

func (p *Pipeline) newEvent(c *call, model string, usage core.Usage, cost pricing.Cost) *core.APICallEvent {
	end := p.now()
	tier := cost.Tier
	if tier == "" {
		tier = core.TierOf(model)
	}
	return &core.APICallEvent{
		ID:                uuid.NewString(),
		RequestID:         c.requestID,
		Timestamp:         end.UTC().Truncate(time.Millisecond),
		ModelRequested:    c.req.Model,
		ModelUsed:         model,
		Provider:          c.provider,
		Tier:              tier,
		InputTokens:       usage.InputTokens,
		OutputTokens:      usage.OutputTokens,
		CacheWriteTokens:  usage.CacheWriteTokens,
		CacheReadTokens:   usage.CacheReadTokens,
		PricingKnown:      cost.Known,
		LatencyMs:         end.Sub(c.start).Milliseconds(),
		AgentType:         c.req.AgentType,
		ProjectID:         c.req.ProjectID,
		FallbackAttempted: c.attempts > 1,
		Attempts:          c.attempts,
	}
}

func (p *Pipeline) publish(ev events.Event) {
	if p.events != nil {
		p.events.Publish(ev)
	}
}

// emit hands the final event to every sink. A panicking sink is logged and
// does not affect the others or the client response.
func (p *Pipeline) emit(ev *core.APICallEvent) {
	for _, sink := range p.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event sink panicked", "request_id", ev.RequestID, "panic", fmt.Sprint(r))
				}
			}()
			sink.Record(ev)
		}()
	}
}

// record hands the request to the audit log. Like sinks, a panic is logged
// and swallowed.
func (p *Pipeline) record(ev *core.APICallEvent, req *core.Request, resp *core.Response, err error) {
	if p.audit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("audit log panicked", "request_id", ev.RequestID, "panic", fmt.Sprint(r))
		}
	}()
	p.audit.Audit(ev, req, resp, err)
}

type nopObserver struct{}

func (nopObserver) ObserveCacheLookup(bool)                     {}
func (nopObserver) ObserveAttempt(string, time.Duration, error) {}
func (nopObserver) ObserveFallback(string, string)              {}
