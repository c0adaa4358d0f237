// Package transport is the one concrete RPC binding spec §6.2 asks for:
// a reference, not a hardened, wire protocol. claim/release/
// force_release/block/unblock/list_resources are JSON request/response
// over HTTP; subscribe is a gorilla/websocket stream. Grounded on
// http/server.go's echo server skeleton (middleware stack, graceful
// shutdown) and coordinator/coordinator.go's per-connection read/send
// loop shape, generalized from one TCP connection to one websocket per
// subscriber.
//
// Authentication/TLS is assumed upstream (spec §1); the only hook left
// here is Server.Use, so an operator can install their own echo
// middleware ahead of the routes below.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"makerd/errs"
	"makerd/machine"
	"makerd/model"
	"makerd/policy"
	"makerd/registry"
)

// Server binds the machine.Handle capability surface to HTTP/WS.
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	machines map[model.ResourceId]*machine.Handle
	oracle   *policy.Oracle
	logger   *logrus.Entry
}

// Config mirrors http.ServerConfig's shape (eve's DefaultServerConfig),
// trimmed to the knobs this binding actually exposes.
type Config struct {
	RateLimit float64 // requests/sec per echo.RateLimiter; 0 disables it.
}

// New builds a Server wired to the given registry and the already-
// running machine.Handle for every resource in it.
func New(reg *registry.Registry, machines map[model.ResourceId]*machine.Handle, oracle *policy.Oracle, cfg Config, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(operationIDMiddleware(logger))
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	s := &Server{echo: e, registry: reg, machines: machines, oracle: oracle, logger: logger.WithField("component", "transport")}
	s.routes()
	return s
}

// operationIDKey is the echo.Context key each request's operation ID is
// stored under.
const operationIDKey = "operation_id"

// operationIDMiddleware stamps every request with a uuid, stores it in
// the echo.Context under operationIDKey, and logs it with the route and
// response status at debug level once the handler returns. The ID is not
// passed to the state machine, so the persist, broadcast and actuator
// dispatch a request triggers are logged without it.
func operationIDMiddleware(logger *logrus.Entry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			opID := uuid.New().String()
			c.Set(operationIDKey, opID)
			err := next(c)
			logger.WithFields(logrus.Fields{
				"operation_id": opID,
				"path":         c.Path(),
				"status":       c.Response().Status,
			}).Debug("request handled")
			return err
		}
	}
}

// Use installs additional middleware (e.g. an auth check) ahead of the
// capability routes, the hook spec.md §6.2's expansion calls for.
func (s *Server) Use(mw ...echo.MiddlewareFunc) { s.echo.Use(mw...) }

func (s *Server) routes() {
	s.echo.POST("/resources/:id/claim", s.handleClaim)
	s.echo.POST("/resources/:id/release", s.handleRelease)
	s.echo.POST("/resources/:id/force_release", s.handleForceRelease)
	s.echo.POST("/resources/:id/block", s.handleBlock)
	s.echo.POST("/resources/:id/unblock", s.handleUnblock)
	s.echo.GET("/resources/:id/subscribe", s.handleSubscribe)
	s.echo.GET("/resources", s.handleListResources)
}

// ServeHTTP lets an embedding main.go mount this transport directly, or
// run it standalone via echo's own Start.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.echo.ServeHTTP(w, r) }

// Start runs the HTTP listener, blocking until it stops.
func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

// Shutdown gracefully stops the listener, draining in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// principal is the authenticated caller identity; spec §1 assumes an
// upstream session already resolved this, so here it is read from a
// header a real deployment's auth middleware would set.
func principal(c echo.Context) (model.UserId, bool) {
	u := c.Request().Header.Get("X-User")
	return u, u != ""
}

type okResponse struct {
	Seq uint64 `json:"seq"`
}

type errResponse struct {
	Error string `json:"error"`
}

// writeResult maps a machine.Result/error onto spec §7's user-visible
// failure surface: {Denied, Unavailable, NotFound}. Anything else is
// treated as Unavailable rather than leaking internal detail.
func writeResult(c echo.Context, res machine.Result, err error) error {
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, errResponse{Error: "unavailable"})
	}
	if res.Err != nil {
		switch {
		case errs.Is(res.Err, errs.PolicyDenied):
			return c.JSON(http.StatusForbidden, errResponse{Error: "denied"})
		case errs.Is(res.Err, errs.NotFound):
			return c.JSON(http.StatusNotFound, errResponse{Error: "not_found"})
		default:
			return c.JSON(http.StatusServiceUnavailable, errResponse{Error: "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, okResponse{Seq: res.Seq})
}

func (s *Server) handle(c echo.Context) (*machine.Handle, bool) {
	id := c.Param("id")
	h, ok := s.machines[id]
	if !ok {
		c.JSON(http.StatusNotFound, errResponse{Error: "not_found"})
		return nil, false
	}
	return h, true
}

func (s *Server) handleClaim(c echo.Context) error {
	h, ok := s.handle(c)
	if !ok {
		return nil
	}
	user, hasUser := principal(c)
	if !hasUser {
		return c.JSON(http.StatusUnauthorized, errResponse{Error: "unauthenticated"})
	}
	res, err := h.Request(c.Request().Context(), user, model.StateInUse(user))
	return writeResult(c, res, err)
}

func (s *Server) handleRelease(c echo.Context) error {
	h, ok := s.handle(c)
	if !ok {
		return nil
	}
	user, hasUser := principal(c)
	if !hasUser {
		return c.JSON(http.StatusUnauthorized, errResponse{Error: "unauthenticated"})
	}
	res, err := h.Request(c.Request().Context(), user, model.StateFree())
	return writeResult(c, res, err)
}

type forceReleaseBody struct {
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleForceRelease(c echo.Context) error {
	h, ok := s.handle(c)
	if !ok {
		return nil
	}
	user, hasUser := principal(c)
	if !hasUser {
		return c.JSON(http.StatusUnauthorized, errResponse{Error: "unauthenticated"})
	}
	var body forceReleaseBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errResponse{Error: "invalid body"})
	}
	target, err := targetFromWire(body.Target, body.Reason)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errResponse{Error: err.Error()})
	}
	res, rerr := h.Request(c.Request().Context(), user, target)
	return writeResult(c, res, rerr)
}

func (s *Server) handleBlock(c echo.Context) error {
	h, ok := s.handle(c)
	if !ok {
		return nil
	}
	user, hasUser := principal(c)
	if !hasUser {
		return c.JSON(http.StatusUnauthorized, errResponse{Error: "unauthenticated"})
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.Bind(&body)
	res, err := h.Request(c.Request().Context(), user, model.StateBlocked(body.Reason))
	return writeResult(c, res, err)
}

func (s *Server) handleUnblock(c echo.Context) error {
	h, ok := s.handle(c)
	if !ok {
		return nil
	}
	user, hasUser := principal(c)
	if !hasUser {
		return c.JSON(http.StatusUnauthorized, errResponse{Error: "unauthenticated"})
	}
	res, err := h.Request(c.Request().Context(), user, model.StateFree())
	return writeResult(c, res, err)
}

func targetFromWire(target, reason string) (model.MachineState, error) {
	switch target {
	case "free":
		return model.StateFree(), nil
	case "blocked":
		return model.StateBlocked(reason), nil
	case "disabled":
		return model.StateDisabled(reason), nil
	default:
		return model.MachineState{}, errs.New(errs.ProtocolViolation, "unsupported force_release target")
	}
}

type stateEvent struct {
	Kind     string `json:"kind"`
	User     string `json:"user,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Seq      uint64 `json:"seq"`
	Verified bool   `json:"verified"`
}

func toWire(state model.MachineState, seq uint64, verified bool) stateEvent {
	return stateEvent{Kind: state.Kind.String(), User: state.User, Reason: state.Reason, Seq: seq, Verified: verified}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSubscribe upgrades to a websocket and streams stateEvents until
// the client disconnects, the resource shuts down, or the subscriber is
// evicted for falling behind. Grounded on coordinator.go's per-
// connection send-loop shape: one goroutine blocking on the event
// channel, writing frames as they arrive.
func (s *Server) handleSubscribe(c echo.Context) error {
	h, ok := s.handle(c)
	if !ok {
		return nil
	}
	sr, err := h.Subscribe(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errResponse{Error: "unavailable"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(toWire(sr.State, sr.Seq, sr.Verified)); err != nil {
		return nil
	}

	for {
		select {
		case ev, open := <-sr.Sub.Events():
			if !open {
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(toWire(ev.State, ev.Seq, ev.Verified)); err != nil {
				return nil
			}
		case <-sr.Sub.Evicted():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "evicted"),
				time.Now().Add(time.Second))
			return nil
		}
	}
}

type resourceSummary struct {
	ID           model.ResourceId `json:"id"`
	Description  string           `json:"description,omitempty"`
	CurrentState *stateEvent      `json:"current_state,omitempty"`
}

// handleListResources implements spec §6's list_resources: the current
// state is included only when the caller holds disclose_perm for that
// resource.
func (s *Server) handleListResources(c echo.Context) error {
	user, hasUser := principal(c)
	out := make([]resourceSummary, 0, len(s.registry.Iter()))
	for _, r := range s.registry.Iter() {
		sum := resourceSummary{ID: r.ID, Description: r.Description}
		canDisclose := hasUser && s.oracle.Has(user, r.DisclosePerm)
		if h, ok := s.machines[r.ID]; ok && canDisclose {
			if sr, err := h.State(c.Request().Context()); err == nil {
				ev := toWire(sr.State, sr.Seq, sr.Verified)
				sum.CurrentState = &ev
			}
		}
		out = append(out, sum)
	}
	return c.JSON(http.StatusOK, out)
}
