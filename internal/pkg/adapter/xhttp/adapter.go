// Package xhttp contains the webhook-style HTTP source adapter. Each request body is one record.
// The response is always HTTP 200 with a plain text body describing the outcome.
package xhttp

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/mssola/user_agent"
	"github.com/teltech/logger"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/model"
)

const (
	defaultShutdownTimeout   = 10 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second

	requestIdHeader = "X-Request-Id"
	successText     = "Success"
	skippedPrefix   = "Skipped: "
)

var log *logger.Log

func init() {
	log = logger.New()
}

type Config struct {
	MaxBodyBytes      int64 // Zero or less means unbounded
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

type Adapter struct {
	id         string
	desc       entity.HTTPListener
	recordType string
	config     Config

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

func New(desc entity.HTTPListener, recordType string, config Config) *Adapter {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	return &Adapter{
		id:         uuid.NewString()[:8],
		desc:       desc,
		recordType: recordType,
		config:     config,
		ready:      make(chan struct{}),
	}
}

func (a *Adapter) Name() string {
	return "xhttp"
}

// Ready is closed when the listener is bound.
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound address, or nil if not yet bound.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run binds the listener and serves requests until ctx is done. A bind failure is returned
// immediately.
func (a *Adapter) Run(ctx context.Context, process model.ProcessRecordFunc) error {

	ln, err := net.Listen("tcp", a.desc.Address())
	if err != nil {
		return errors.Wrapf(err, "binding http listener on %s", a.desc.Address())
	}

	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	close(a.ready)

	srv := &http.Server{
		Handler:           a.Handler(process),
		ReadHeaderTimeout: a.config.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Infof(a.lgprfx()+"listening on %s", ln.Addr())

	select {
	case err = <-errCh:
		return errors.Wrap(err, "http server terminated")
	case <-ctx.Done():
	}

	log.Infof(a.lgprfx() + "shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf(a.lgprfx()+"graceful shutdown not completed, err: %v", err)
		srv.Close()
	}
	<-errCh
	log.Infof(a.lgprfx() + "shutdown completed")
	return nil
}

// Handler returns the http.Handler processing each request body as a record.
func (a *Adapter) Handler(process model.ProcessRecordFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		reqId := uuid.NewString()
		start := time.Now()

		var (
			body   io.Reader = r.Body
			result model.Result
			text   string
		)

		if a.config.MaxBodyBytes > 0 {
			body = http.MaxBytesReader(w, r.Body, a.config.MaxBodyBytes)
		}

		payload, err := io.ReadAll(body)
		if err != nil {
			text = err.Error()
		} else {
			result = process(r.Context(), model.Record{
				Type:    a.recordType,
				Payload: payload,
				Key:     []byte(reqId),
				Ts:      start,
				Source:  entity.SchemeHTTP,
			})
			text = ResponseText(result)
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set(requestIdHeader, reqId)
		w.WriteHeader(http.StatusOK)
		if _, err := io.WriteString(w, text); err != nil {
			log.Warnf(a.lgprfx()+"[%s] could not write response, err: %v", reqId, err)
		}

		a.accessLog(r, reqId, len(payload), result, time.Since(start))
	})
}

// ResponseText maps a processing result to the response body.
func ResponseText(result model.Result) string {
	switch result.Status {
	case model.StatusSuccess, model.StatusDelegated:
		return successText
	case model.StatusSkipped:
		return skippedPrefix + result.Message
	case model.StatusFailure, model.StatusConfigError:
		return result.Message
	default:
		return "unknown processing status"
	}
}

func (a *Adapter) accessLog(r *http.Request, reqId string, size int, result model.Result, elapsed time.Duration) {

	ua := user_agent.New(r.UserAgent())
	browser, version := ua.Browser()
	client := browser + "/" + version
	if ua.Bot() {
		client += " (bot)"
	}

	const fmtstr = "[%s] %s %s from %s, client: %s, bytes: %d, outcome: %s, duration: %v"
	switch result.Status {
	case model.StatusFailure, model.StatusConfigError:
		log.Warnf(a.lgprfx()+fmtstr+", message: %s", reqId, r.Method, r.URL.Path, r.RemoteAddr, client, size, result.Status, elapsed, result.Message)
	default:
		log.Infof(a.lgprfx()+fmtstr, reqId, r.Method, r.URL.Path, r.RemoteAddr, client, size, result.Status, elapsed)
	}
}

func (a *Adapter) lgprfx() string {
	return "[xhttp.adapter:" + a.id + "] "
}
