package server

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/guregu/null.v3"

	"github.com/descoped/mcp-web-scraper/log"
	"github.com/descoped/mcp-web-scraper/otel"
	"github.com/descoped/mcp-web-scraper/ratelimit"
	"github.com/descoped/mcp-web-scraper/session"
)

// Call identifies one tool invocation.
type Call struct {
	Tool string
	// SessionID selects the session to run in. Empty starts a new session.
	SessionID    string
	ConnectionID string
	// Identifier is the caller identity used when IP is unknown.
	Identifier string
	IP         string
	// Stateless calls run without a session.
	Stateless bool
}

// ToolFunc is the body of a tool. s is nil for stateless calls.
type ToolFunc func(ctx context.Context, s *session.Session) (any, error)

// Result is the outcome of a dispatched call.
type Result struct {
	Value     any
	SessionID string
	RequestID string
	// RateLimit is the admission decision, kept for response headers.
	RateLimit ratelimit.Result
}

// Dispatcher admits calls through the rate limiter and runs them in their
// session.
type Dispatcher struct {
	limiter  *ratelimit.Limiter
	sessions *session.Manager
	tracer   *otel.Tracer
	logger   *log.Logger
}

// NewDispatcher returns a dispatcher over the given components.
func NewDispatcher(
	limiter *ratelimit.Limiter, sessions *session.Manager, tracer *otel.Tracer, logger *log.Logger,
) *Dispatcher {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Dispatcher{
		limiter:  limiter,
		sessions: sessions,
		tracer:   tracer,
		logger:   logger,
	}
}

// Call admits c and runs fn. The request is completed with the limiter on
// every return path, including a denied admission.
func (d *Dispatcher) Call(ctx context.Context, c Call, fn ToolFunc) (res Result, err error) {
	start := time.Now()

	rc, lim, release := d.limiter.Admit(ratelimit.Context{
		Identifier:   c.Identifier,
		ToolName:     null.StringFrom(c.Tool),
		ConnectionID: null.NewString(c.ConnectionID, c.ConnectionID != ""),
		IP:           null.NewString(c.IP, c.IP != ""),
	})
	defer release()

	res = Result{SessionID: c.SessionID, RequestID: rc.RequestID, RateLimit: lim}

	ctx, span := d.tracer.TraceToolCall(ctx, c.SessionID, c.Tool)
	span.SetAttributes(
		attribute.String("request.id", rc.RequestID),
		attribute.String("connection.id", c.ConnectionID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		d.logger.Debugf("Dispatcher:call", "rid:%s tool:%s sid:%s elapsed:%s err:%v",
			rc.RequestID, c.Tool, res.SessionID, time.Since(start), err)
	}()

	if !lim.Allowed {
		return res, lim.Error
	}

	if c.Stateless {
		res.Value, err = fn(ctx, nil)
		return res, err
	}

	err = d.sessions.Do(ctx, c.SessionID, func(ctx context.Context, s *session.Session) error {
		res.SessionID = s.ID
		v, err := fn(ctx, s)
		res.Value = v
		return err
	})
	if err != nil {
		if c.SessionID == "" && res.SessionID != "" {
			// The client never learns the id of a session started by a
			// failed call, so nothing could reuse or close it.
			d.discard(ctx, res.SessionID)
			res.SessionID = ""
		}
		return res, fmt.Errorf("%s: %w", c.Tool, err)
	}

	return res, nil
}

func (d *Dispatcher) discard(ctx context.Context, sessionID string) {
	if err := d.sessions.Close(context.WithoutCancel(ctx), sessionID); err != nil {
		d.logger.Warnf("Dispatcher:discard", "sid:%s %v", sessionID, err)
	}
	d.tracer.EndSession(sessionID)
}
