// Package dispatch routes requests to registered methods, collapsing
// concurrent identical calls of cacheable methods into one execution.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"lumerelay/internal/cache"
	"lumerelay/internal/metrics"
	"lumerelay/internal/reqid"
	"lumerelay/internal/rpc"
	"lumerelay/internal/signer"
)

// MethodResolver looks up registered methods
type MethodResolver interface {
	GetMethod(module, method string) (rpc.Method, error)
}

// StreamWriter emits a handler's chunk stream over the caller's connection
type StreamWriter func(ctx context.Context, chunks iter.Seq[[]byte]) error

// Dispatcher executes RPC requests
type Dispatcher struct {
	methods MethodResolver
	cache   cache.Cache
	signer  *signer.Signer
	locks   *Coalescer
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a new Dispatcher
func New(methods MethodResolver, c cache.Cache, s *signer.Signer, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		methods: methods,
		cache:   c,
		signer:  s,
		locks:   NewCoalescer(),
		metrics: m,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// HandleRequest executes req for an in-process caller. Streaming methods
// are rejected since there is no connection to stream over.
func (d *Dispatcher) HandleRequest(ctx context.Context, req *rpc.Request) *rpc.Response {
	return d.Handle(ctx, req, nil)
}

// Handle executes req. Every failure is returned as an error response.
func (d *Dispatcher) Handle(ctx context.Context, req *rpc.Request, streams StreamWriter) *rpc.Response {
	start := time.Now()

	resp, outcome, routed := d.handle(ctx, req, streams)

	label := "unrouted"
	if routed {
		label = req.FullMethod()
	}
	d.metrics.ObserveRequest(label, outcome, time.Since(start))

	return resp
}

// handle reports routed once the request resolved to a registered method
func (d *Dispatcher) handle(ctx context.Context, req *rpc.Request, streams StreamWriter) (*rpc.Response, string, bool) {
	if err := req.Validate(); err != nil {
		d.logger.Debug().Err(err).Msg("rejected malformed request")
		return rpc.NewErrorResponse(err), metrics.OutcomeError, false
	}

	method, err := d.methods.GetMethod(req.Module, req.Method)
	if err != nil {
		d.logger.Debug().Err(err).Str("method", req.FullMethod()).Msg("unknown method")
		return rpc.NewErrorResponse(err), metrics.OutcomeError, false
	}

	if !method.Cacheable {
		resp, _, err := d.execute(ctx, req, method, streams)
		if err != nil {
			return rpc.NewErrorResponse(err), metrics.OutcomeError, true
		}
		return resp, metrics.OutcomeExecuted, true
	}

	id, err := reqid.Compute(req)
	if err != nil {
		return rpc.NewErrorResponse(err), metrics.OutcomeError, true
	}

	release, waited, err := d.locks.Acquire(ctx, id)
	if err != nil {
		return rpc.NewErrorResponse(err), metrics.OutcomeError, true
	}
	defer release()

	if waited {
		d.metrics.IncCoalesced()
	}

	// A bypassing caller that waited still takes the result it waited for.
	if waited || !req.BypassCache {
		if item, ok := d.cache.Get(id); ok {
			d.logger.Debug().Str("id", id).Str("method", req.FullMethod()).Msg("cache hit")
			return item.Response(), metrics.OutcomeCached, true
		}
	}

	resp, streamed, err := d.execute(ctx, req, method, streams)
	if err != nil {
		return rpc.NewErrorResponse(err), metrics.OutcomeError, true
	}
	if streamed {
		return resp, metrics.OutcomeExecuted, true
	}

	item, err := d.cache.Add(req, resp)
	if err != nil {
		d.logger.Warn().Err(err).Str("method", req.FullMethod()).Msg("failed to cache response")
		return resp, metrics.OutcomeExecuted, true
	}

	return item.Response(), metrics.OutcomeExecuted, true
}

// execute invokes the handler and normalizes its result. Streams are written
// through streams and answered with a plain acknowledgement.
func (d *Dispatcher) execute(ctx context.Context, req *rpc.Request, method rpc.Method, streams StreamWriter) (*rpc.Response, bool, error) {
	res, err := d.invoke(ctx, req, method)
	if err != nil {
		d.logger.Warn().Err(err).Str("method", req.FullMethod()).Msg("handler failed")
		return nil, false, err
	}

	streamed := res.Kind() == rpc.ResultStream
	if streamed {
		if streams == nil {
			return nil, true, rpc.ErrStreamUnsupported
		}
		if err := streams(ctx, res.Chunks()); err != nil {
			return nil, true, err
		}
		res = rpc.Value(nil)
	}

	resp, err := d.normalize(res)
	if err != nil {
		return nil, streamed, err
	}
	return resp, streamed, nil
}

// invoke runs the handler, converting panics into handler errors
func (d *Dispatcher) invoke(ctx context.Context, req *rpc.Request, method rpc.Method) (res rpc.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &rpc.HandlerError{Method: req.FullMethod(), Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	res, err = method.Handler(ctx, req.Data)
	if err != nil {
		var herr *rpc.HandlerError
		if !errors.As(err, &herr) {
			err = &rpc.HandlerError{Method: req.FullMethod(), Err: err}
		}
		return rpc.Result{}, err
	}
	return res, nil
}

// normalize turns a handler result into a signed response. Falsy values
// become true, envelopes with truthy data are signed on their signed field
// and anything else is wrapped as data.
func (d *Dispatcher) normalize(res rpc.Result) (*rpc.Response, error) {
	if res.Kind() == rpc.ResultEnvelope && rpc.Truthy(res.Response().Data) {
		resp := res.Response().Clone()
		sig, err := d.signer.Sign(resp.SignedValue())
		if err != nil {
			return nil, err
		}
		resp.Signature = sig
		return resp, nil
	}

	var value any
	if res.Kind() == rpc.ResultEnvelope {
		value = res.Response()
	} else {
		value = res.RawValue()
	}
	if !rpc.Truthy(value) {
		value = true
	}

	sig, err := d.signer.Sign(value)
	if err != nil {
		return nil, err
	}
	return &rpc.Response{Data: value, Signature: sig}, nil
}
