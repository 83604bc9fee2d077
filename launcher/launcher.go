// Package launcher terminates HTTP, translating each request into a
// RunnerMessage and relaying the eventual status back as a response. It
// owns no WASM state itself — every request gets its own status channel
// and waits on it, possibly across more than one Exited before a terminal
// Success or Failure arrives.
package launcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dotxlem/assemblylift/runner"
	"github.com/dotxlem/assemblylift/status"
	"github.com/dotxlem/assemblylift/wasmrtconfig"
)

// Request is the JSON envelope handed to the guest as its function input,
// mirroring an inbound HTTP request.
type Request struct {
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	BodyEncoding string            `json:"body_encoding"`
	Body         *string           `json:"body,omitempty"`
}

// Launcher is an HTTP server that hands every request to a Runner and
// waits for its outcome.
type Launcher struct {
	runnerTx runner.RunnerTx
	wasmPath string
	timeout  time.Duration
	logger   *zap.SugaredLogger

	server *http.Server
}

// New constructs a Launcher that sends to runnerTx, resolving every
// request against the single wasmPath this host was started for.
func New(runnerTx runner.RunnerTx, wasmPath string, logger *zap.SugaredLogger) *Launcher {
	return &Launcher{
		runnerTx: runnerTx,
		wasmPath: wasmPath,
		timeout:  wasmrtconfig.LauncherTimeout,
		logger:   logger,
	}
}

// WithTimeout overrides the default wasmrtconfig.LauncherTimeout, mainly
// for tests that want to exercise the timeout path quickly.
func (l *Launcher) WithTimeout(d time.Duration) *Launcher {
	l.timeout = d
	return l
}

// ServeHTTP lets a Launcher be used directly with httptest or as a handler
// mounted on another mux, without going through ListenAndServe.
func (l *Launcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.handle(w, r)
}

// ListenAndServe blocks serving HTTP on wasmrtconfig.LauncherAddr until ctx
// is canceled or the server fails to start.
func (l *Launcher) ListenAndServe(ctx context.Context) error {
	l.server = &http.Server{
		Addr:    wasmrtconfig.LauncherAddr,
		Handler: http.HandlerFunc(l.handle),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (l *Launcher) handle(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	log := l.logger
	if log != nil {
		log = log.With("request_id", reqID)
		log.Debugw("launching function", "method", r.Method, "path", r.URL.Path)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if log != nil {
			log.Errorw("could not read request body", "error", err)
		}
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	encoded := base64.StdEncoding.EncodeToString(body)
	launcherReq := Request{
		Method:       r.Method,
		Headers:      headers,
		BodyEncoding: "base64",
		Body:         &encoded,
	}
	input, err := json.Marshal(launcherReq)
	if err != nil {
		if log != nil {
			log.Errorw("could not encode launcher request", "error", err)
		}
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	statusCh := status.NewChan(1)
	msg := runner.RunnerMessage{
		Input:        input,
		StatusSender: statusCh,
		WasmPath:     l.wasmPath,
	}

	if log != nil {
		log.Debug("sending runner request")
	}
	select {
	case l.runnerTx <- msg:
	default:
		if log != nil {
			log.Error("runner channel full, dropping request")
		}
		http.Error(w, "", http.StatusServiceUnavailable)
		return
	}

	deadline := time.NewTimer(l.timeout)
	defer deadline.Stop()

	for {
		select {
		case s := <-statusCh:
			switch v := s.(type) {
			case status.Exited:
				if log != nil {
					log.Debugw("guest exited without success, continuing to wait", "code", v.Code)
				}
				continue
			case status.Success:
				if log != nil {
					log.Debug("guest reported success")
				}
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(v.Body)
				return
			case status.Failure:
				if log != nil {
					log.Debugw("guest reported failure", "body", string(v.Body))
				}
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write(v.Body)
				return
			}
		case <-deadline.C:
			if log != nil {
				log.Error("timed out waiting for runner status")
			}
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
	}
}
