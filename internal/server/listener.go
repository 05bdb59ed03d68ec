package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

const defaultShutdownTimeout = 10 * time.Second

var (
	errMissingHandler     = errors.New("listener: handler required")
	errMissingProvider    = errors.New("listener: endpoint provider required")
	errMissingAuthToken   = errors.New("listener: ngrok authtoken required")
	errListenerRunning    = errors.New("listener: already started")
	errListenerNotStarted = errors.New("listener: not started")
)

// EndpointProvider acquires the network endpoint the webhook is served on and
// reports the URL the form platform should post to.
type EndpointProvider interface {
	Open(ctx context.Context) (net.Listener, string, error)
}

// LocalEndpoint listens on a local TCP address.
type LocalEndpoint struct {
	Address string
}

// Open implements EndpointProvider.
func (e LocalEndpoint) Open(ctx context.Context) (net.Listener, string, error) {
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp", e.Address)
	if err != nil {
		return nil, "", err
	}
	return listener, "http://" + listener.Addr().String(), nil
}

// NgrokEndpoint exposes the webhook through an ngrok HTTP tunnel.
type NgrokEndpoint struct {
	AuthToken string
	Logger    *zap.Logger
}

// Open implements EndpointProvider.
func (e NgrokEndpoint) Open(ctx context.Context) (net.Listener, string, error) {
	token := strings.TrimSpace(e.AuthToken)
	if token == "" {
		return nil, "", errMissingAuthToken
	}
	tunnel, err := ngrok.Listen(ctx, ngrokconfig.HTTPEndpoint(), ngrok.WithAuthtoken(token))
	if err != nil {
		return nil, "", err
	}
	if e.Logger != nil {
		e.Logger.Info("ngrok tunnel established", zap.String("url", tunnel.URL()))
	}
	return tunnel, tunnel.URL(), nil
}

// ListenerConfig wires a Listener. OnShutdown hooks run when Stop begins and
// must end long-lived responses such as event streams.
type ListenerConfig struct {
	Handler         http.Handler
	Provider        EndpointProvider
	ShutdownTimeout time.Duration
	OnShutdown      []func()
	Logger          *zap.Logger
}

// Listener serves the webhook handler on an acquired endpoint. Once Start
// succeeds the endpoint is released by Stop, however Stop is reached.
type Listener struct {
	handler         http.Handler
	provider        EndpointProvider
	shutdownTimeout time.Duration
	onShutdown      []func()
	logger          *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	endpoint net.Listener
	url      string
	done     chan struct{}
	serveErr error
	stopped  bool
}

// NewListener validates the configuration and constructs an idle Listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		handler:         cfg.Handler,
		provider:        cfg.Provider,
		shutdownTimeout: timeout,
		onShutdown:      cfg.OnShutdown,
		logger:          logger,
	}, nil
}

// Start acquires the endpoint and begins serving in the background. It returns
// the public URL of the endpoint.
func (l *Listener) Start(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil && !l.stopped {
		return "", errListenerRunning
	}

	endpoint, url, err := l.provider.Open(ctx)
	if err != nil {
		return "", err
	}

	server := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	for _, hook := range l.onShutdown {
		server.RegisterOnShutdown(hook)
	}
	done := make(chan struct{})
	l.server = server
	l.endpoint = endpoint
	l.url = url
	l.done = done
	l.stopped = false
	l.serveErr = nil

	go func() {
		defer close(done)
		err := server.Serve(endpoint)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.mu.Lock()
			l.serveErr = err
			l.mu.Unlock()
			l.logger.Error("webhook listener stopped unexpectedly", zap.Error(err))
		}
	}()

	l.logger.Info("webhook listener started", zap.String("url", url))
	return url, nil
}

// URL reports the public URL of a started listener.
func (l *Listener) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

// Done is closed when the serve loop exits. It is nil before Start.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err reports the error that ended the serve loop, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serveErr
}

// Stop shuts the server down and releases the endpoint. It is safe to call
// more than once; only the first call after Start does any work.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.server == nil {
		l.mu.Unlock()
		return errListenerNotStarted
	}
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	server := l.server
	endpoint := l.endpoint
	done := l.done
	l.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.shutdownTimeout)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		shutdownErr = errors.Join(shutdownErr, server.Close())
	}

	// Shutdown closes the listener it served on; closing again only reports net.ErrClosed.
	if closeErr := endpoint.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		l.logger.Debug("endpoint close reported error", zap.Error(closeErr))
	}
	<-done

	l.logger.Info("webhook listener stopped")
	return shutdownErr
}
