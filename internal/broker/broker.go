package broker

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/crossrequest/internal/cors"
	"github.com/shehryarbajwa/crossrequest/internal/metrics"
	"github.com/shehryarbajwa/crossrequest/internal/ratelimit"
	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// ConfigSource supplies the live broker configuration
type ConfigSource interface {
	Get() models.Config
}

// Broker executes requests on behalf of page sessions
type Broker struct {
	cfg     ConfigSource
	rules   *cors.RuleSet
	limiter *ratelimit.Limiter
	client  *resty.Client
	base    http.RoundTripper
	metrics *metrics.Metrics
	log     *zap.Logger
}

// Option configures a Broker
type Option func(*Broker)

// WithTransport sets the network layer used below the CORS transport
func WithTransport(rt http.RoundTripper) Option {
	return func(b *Broker) { b.base = rt }
}

// WithLimiter replaces the per-origin rate limiter
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(b *Broker) { b.limiter = l }
}

// WithMetrics records broker activity in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// New creates a broker reading its parameters from cfg
func New(cfg ConfigSource, opts ...Option) *Broker {
	b := &Broker{
		cfg:     cfg,
		rules:   cors.NewRuleSet(),
		limiter: ratelimit.NewLimiter(),
		base:    http.DefaultTransport,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.client = resty.New().
		SetTransport(&cors.Transport{Rules: b.rules, Base: b.base}).
		SetLogger(b.log.Sugar()).
		SetRetryCount(0)

	return b
}

// Rules exposes the active CORS rules
func (b *Broker) Rules() *cors.RuleSet {
	return b.rules
}

// Execute runs one request to completion, retrying timeouts and network
// failures. The error, when non-nil, is a *models.ErrorInfo.
func (b *Broker) Execute(ctx context.Context, req models.Request) (*models.Response, error) {
	start := time.Now()
	res, err := b.execute(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = string(models.KindOf(err))
		b.log.Warn("request failed",
			zap.String("requestId", req.RequestID),
			zap.String("url", req.URL),
			zap.String("kind", outcome),
			zap.Error(err),
		)
	} else {
		b.log.Debug("request completed",
			zap.String("requestId", req.RequestID),
			zap.Int("status", res.Status),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	if b.metrics != nil {
		b.metrics.Requests.WithLabelValues(outcome).Inc()
		b.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (b *Broker) execute(ctx context.Context, req models.Request) (*models.Response, error) {
	cfg := b.cfg.Get()

	target, method, err := preflight(req, cfg)
	if err != nil {
		return nil, err
	}

	body, hasBody, err := encodeBody(method, req)
	if err != nil {
		return nil, err
	}

	origin := cors.Origin(target)
	if !b.limiter.Allow(origin, millis(cfg.RateLimit.WindowMS), cfg.RateLimit.Max) {
		return nil, models.NewError(models.KindRateLimit, "rate limit exceeded for %s: %d requests per %dms",
			origin, cfg.RateLimit.Max, cfg.RateLimit.WindowMS)
	}

	call := attempt{
		method:  method,
		url:     target.String(),
		origin:  origin,
		headers: req.Headers,
		body:    body,
		hasBody: hasBody,
		timeout: attemptTimeout(req, cfg),
	}

	for retry := 0; ; retry++ {
		res, err := b.attempt(ctx, call)
		if err == nil {
			return res, nil
		}

		if !retryable(err) || ctx.Err() != nil || retry >= cfg.MaxRetries {
			return nil, err
		}

		delay := millis(cfg.RetryDelay * (retry + 1))
		b.log.Info("retrying request",
			zap.String("requestId", req.RequestID),
			zap.Int("retry", retry+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, classify(ctx.Err(), ctx, call.timeout)
		case <-timer.C:
		}
	}
}

type attempt struct {
	method  string
	url     string
	origin  string
	headers map[string]string
	body    string
	hasBody bool
	timeout time.Duration
}

// attempt performs one network call with a CORS rule installed for its
// whole duration
func (b *Broker) attempt(ctx context.Context, a attempt) (*models.Response, error) {
	id := b.rules.Install(a.origin)
	b.trackRules()
	defer func() {
		if err := b.rules.Remove(id); err != nil {
			b.log.Error("failed to remove cors rule", zap.Uint64("rule", uint64(id)), zap.Error(err))
		}
		b.trackRules()
	}()

	actx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	r := b.client.R().SetContext(actx).SetHeaders(a.headers)
	if a.hasBody {
		r.SetBody(a.body)
	}

	resp, err := r.Execute(a.method, a.url)
	if err != nil {
		cerr := classify(err, ctx, a.timeout)
		b.countAttempt(string(cerr.Kind))
		return nil, cerr
	}

	b.countAttempt("success")
	return normalize(resp), nil
}

func (b *Broker) trackRules() {
	if b.metrics != nil {
		b.metrics.ActiveRules.Set(float64(b.rules.Count()))
	}
}

func (b *Broker) countAttempt(outcome string) {
	if b.metrics != nil {
		b.metrics.Attempts.WithLabelValues(outcome).Inc()
	}
}

// preflight checks the url scheme and method before any network activity
func preflight(req models.Request, cfg models.Config) (*url.URL, string, error) {
	if req.URL == "" {
		return nil, "", models.NewError(models.KindValidation, "url is required")
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, "", models.NewError(models.KindValidation, "invalid url %q: %v", req.URL, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, "", models.NewError(models.KindValidation, "url must be http or https: %q", req.URL)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = models.DefaultMethod
	}
	for _, m := range cfg.AllowedMethods {
		if m == method {
			return target, method, nil
		}
	}
	return nil, "", models.NewError(models.KindValidation, "method %s is not allowed", method)
}

// attemptTimeout is the configured timeout, narrowed by a shorter
// descriptor timeout. A descriptor can never extend it.
func attemptTimeout(req models.Request, cfg models.Config) time.Duration {
	timeout := cfg.Timeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	return millis(timeout)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
