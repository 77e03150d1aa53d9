package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/crossrequest/internal/bridge"
	"github.com/shehryarbajwa/crossrequest/internal/client"
	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// Options configures a page session
type Options struct {
	BridgeURL      string
	Header         http.Header
	ReconnectDelay time.Duration
	Files          client.FileSource
	Notifier       bridge.Notifier
	Logger         *zap.Logger

	// Dialer overrides the websocket dialer built from BridgeURL
	Dialer bridge.Dialer
}

// Page is one page load: a session token, its bridge and its client
type Page struct {
	Token     string
	CreatedAt time.Time
	Client    *client.Client
	Bridge    *bridge.Bridge

	closeOnce sync.Once
	onClose   func()
}

// Open bootstraps a page session and waits for the bridge to connect.
// ctx bounds the wait only; the page lives until Close.
func Open(ctx context.Context, opts Options) (*Page, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		if opts.BridgeURL == "" {
			return nil, fmt.Errorf("bridge url is required")
		}
		dialer = &bridge.WSDialer{URL: opts.BridgeURL, Header: opts.Header}
	}

	token := uuid.NewString()
	b := bridge.New(bridge.Options{
		Token:          token,
		Dialer:         dialer,
		Notifier:       opts.Notifier,
		ReconnectDelay: opts.ReconnectDelay,
		Logger:         opts.Logger,
	})
	c := client.New(token, b, opts.Files, opts.Logger)
	b.SetPage(c)
	b.Start(context.Background())

	if err := b.WaitConnected(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to connect page %s: %w", token, err)
	}

	opts.Logger.Info("page session opened", zap.String("nodeId", token))
	return &Page{
		Token:     token,
		CreatedAt: time.Now(),
		Client:    c,
		Bridge:    b,
	}, nil
}

// Fetch issues req and waits for its result
func (p *Page) Fetch(ctx context.Context, req models.Request) (*models.Response, error) {
	call, err := p.Client.Issue(req)
	if err != nil {
		return nil, err
	}
	resp, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		p.Client.Cancel(call.ID)
	}
	return resp, err
}

// Close tears down the page's bridge. Pending calls never complete.
func (p *Page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.Bridge.Close()
		if p.onClose != nil {
			p.onClose()
		}
	})
	return err
}

// Manager tracks the open pages sharing one broker
type Manager struct {
	pages sync.Map // map[token]*Page
	opts  Options
}

// NewManager creates a manager opening pages with opts
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Open opens a page and tracks it until it is closed
func (m *Manager) Open(ctx context.Context) (*Page, error) {
	page, err := Open(ctx, m.opts)
	if err != nil {
		return nil, err
	}
	page.onClose = func() { m.pages.Delete(page.Token) }
	m.pages.Store(page.Token, page)
	return page, nil
}

// List returns all open pages
func (m *Manager) List() []*Page {
	var pages []*Page
	m.pages.Range(func(_, val any) bool {
		pages = append(pages, val.(*Page))
		return true
	})
	return pages
}

// CloseAll closes every open page
func (m *Manager) CloseAll() {
	for _, p := range m.List() {
		p.Close()
	}
}
