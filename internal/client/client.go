package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// Outbound carries page envelopes toward the broker
type Outbound interface {
	FromPage(raw []byte) error
}

// RequestInterceptor transforms a request before dispatch
type RequestInterceptor func(req models.Request) (models.Request, error)

// ResponseInterceptor transforms a response before it is delivered
type ResponseInterceptor func(resp *models.Response) (*models.Response, error)

// Client is the page-side request API. It tracks each dispatched request
// by id until its callback arrives or it is cancelled.
type Client struct {
	token string
	out   Outbound
	files FileSource
	log   *zap.Logger

	mu       sync.Mutex
	pending  map[string]*Call
	requests []RequestInterceptor
	answers  []ResponseInterceptor
}

// New creates a client for the page session identified by token
func New(token string, out Outbound, files FileSource, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		token:   token,
		out:     out,
		files:   files,
		log:     log.With(zap.String("nodeId", token)),
		pending: make(map[string]*Call),
	}
}

// UseRequest appends request interceptors, run in registration order
func (c *Client) UseRequest(fns ...RequestInterceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, fns...)
}

// UseResponse appends response interceptors, run in registration order
func (c *Client) UseResponse(fns ...ResponseInterceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, fns...)
}

// Get issues a GET request for url
func (c *Client) Get(url string) (*Call, error) {
	return c.Issue(models.Request{URL: url})
}

// Issue dispatches req and returns without waiting for the result
func (c *Client) Issue(req models.Request) (*Call, error) {
	req = withDefaults(req)

	c.mu.Lock()
	interceptors := append([]RequestInterceptor(nil), c.requests...)
	c.mu.Unlock()

	for _, fn := range interceptors {
		next, err := fn(req)
		if err != nil {
			return nil, fmt.Errorf("request interceptor: %w", err)
		}
		req = withDefaults(next)
	}

	if err := validate(req); err != nil {
		return nil, err
	}
	req.Method = strings.ToUpper(req.Method)

	if len(req.Files) > 0 {
		if err := encodeMultipart(&req, c.files); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	id := uuid.NewString()
	for c.pending[id] != nil {
		id = uuid.NewString()
	}
	call := newCall(id)
	c.pending[id] = call
	c.mu.Unlock()

	req.RequestID = id
	raw, err := json.Marshal(models.FetchEnvelope{
		Source: models.SourcePage,
		NodeID: c.token,
		Type:   models.TypeFetch,
		Req:    req,
	})
	if err == nil {
		err = c.out.FromPage(raw)
	}
	if err != nil {
		c.remove(id)
		return nil, fmt.Errorf("failed to send request %s: %w", id, err)
	}

	c.log.Debug("request dispatched",
		zap.String("requestId", id),
		zap.String("method", req.Method),
		zap.String("url", req.URL))
	return call, nil
}

// Cancel forgets the pending request id. Its callback is suppressed; the
// broker still completes the network call. Reports whether id was pending.
func (c *Client) Cancel(id string) bool {
	call := c.remove(id)
	if call == nil {
		return false
	}
	close(call.canceled)
	c.log.Debug("request cancelled", zap.String("requestId", id))
	return true
}

// Pending returns the number of outstanding requests
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Deliver handles a message posted to the page scope. Only callbacks
// from the bridge for this page's token are considered; callbacks for
// unknown ids are ignored.
func (c *Client) Deliver(raw []byte) {
	if !gjson.ValidBytes(raw) {
		return
	}
	msg := gjson.ParseBytes(raw)
	if msg.Get("source").String() != models.SourceContent ||
		msg.Get("nodeId").String() != c.token ||
		msg.Get("type").String() != models.TypeFetchCallback {
		return
	}

	id := msg.Get("requestId").String()
	call := c.remove(id)
	if call == nil {
		return
	}

	res := []byte(msg.Get("res").Raw)
	if msg.Get("success").Bool() {
		call.done <- c.success(id, res)
		return
	}
	call.done <- Result{Err: decodeError(res)}
}

func (c *Client) success(id string, res []byte) Result {
	var resp models.Response
	if err := json.Unmarshal(res, &resp); err != nil {
		c.log.Warn("malformed response", zap.String("requestId", id), zap.Error(err))
		return Result{Err: models.NewError(models.KindOther, "malformed response: %v", err)}
	}

	c.mu.Lock()
	interceptors := append([]ResponseInterceptor(nil), c.answers...)
	c.mu.Unlock()

	out := &resp
	for _, fn := range interceptors {
		next, err := fn(out)
		if err != nil {
			return Result{Err: fmt.Errorf("response interceptor: %w", err)}
		}
		if next != nil {
			out = next
		}
	}
	return Result{Response: out}
}

func (c *Client) remove(id string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func decodeError(res []byte) error {
	var info models.ErrorInfo
	if err := json.Unmarshal(res, &info); err != nil || info.Message == "" {
		return models.NewError(models.KindOther, "request failed")
	}
	info.Failed = true
	if info.Kind == "" {
		info.Kind = models.KindOther
	}
	return &info
}

// withDefaults fills unset fields. Headers are always copied so later
// changes never reach the caller's map.
func withDefaults(req models.Request) models.Request {
	if req.Method == "" {
		req.Method = models.DefaultMethod
	}
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}
	req.Headers = headers
	if req.Data == nil {
		req.Data = ""
	}
	if req.Timeout <= 0 {
		req.Timeout = models.DefaultTimeoutMS
	}
	return req
}

func validate(req models.Request) error {
	if strings.TrimSpace(req.URL) == "" {
		return models.NewError(models.KindValidation, "url is required")
	}
	if !models.IsMethod(req.Method) {
		return models.NewError(models.KindValidation, "unsupported method %q", req.Method)
	}
	return nil
}
