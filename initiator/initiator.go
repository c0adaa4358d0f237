// Package initiator is the Initiator Adapter: an asynchronous producer
// of ProposedTransitions (spec §4.4), generalized from
// coordinator/coordinator.go's single-connection readLoop→dispatch
// shape into a generic Source interface that the Resource State Machine
// fans in from. WebhookInitiator's HTTP surface is grounded on
// http/server.go's echo handler conventions.
package initiator

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"makerd/model"
)

// Proposal is the generalized form of spec §4.4's ProposedTransition.
type Proposal struct {
	Resource model.ResourceId
	Actor    model.UserId
	HasActor bool
	Target   model.MachineState
}

// Source is one named initiator adapter.
type Source interface {
	Name() string
	Proposals() <-chan Proposal
	Close()
}

// Constructor builds a named Source from module parameters.
type Constructor func(name string, params map[string]interface{}, logger *logrus.Entry) (Source, error)

// Catalog maps module names to Constructors, mirroring
// actuator.Catalog's shape (grounded on the same executor.Registry
// pattern).
type Catalog struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewCatalog() *Catalog {
	c := &Catalog{constructors: make(map[string]Constructor)}
	c.Register("dummy", NewDummyInitiator)
	c.Register("webhook", NewWebhookInitiator)
	return c
}

func (c *Catalog) Register(module string, ctor Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constructors[module] = ctor
}

func (c *Catalog) Build(module, name string, params map[string]interface{}, logger *logrus.Entry) (Source, error) {
	c.mu.RLock()
	ctor, ok := c.constructors[module]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("initiator: unknown module %q", module)
	}
	return ctor(name, params, logger)
}

// DummyInitiator is a test double fed transitions programmatically via
// Push, with no external I/O.
type DummyInitiator struct {
	name      string
	proposals chan Proposal
	closeOnce sync.Once
}

func NewDummyInitiator(name string, params map[string]interface{}, logger *logrus.Entry) (Source, error) {
	return &DummyInitiator{name: name, proposals: make(chan Proposal, 16)}, nil
}

func (d *DummyInitiator) Name() string                   { return d.name }
func (d *DummyInitiator) Proposals() <-chan Proposal     { return d.proposals }

// Push feeds a Proposal into the initiator's output, used by tests and
// by operator tooling driving a scripted demo.
func (d *DummyInitiator) Push(p Proposal) {
	select {
	case d.proposals <- p:
	default:
	}
}

func (d *DummyInitiator) Close() {
	d.closeOnce.Do(func() { close(d.proposals) })
}

// WebhookInitiator is an authenticated HTTP endpoint (auth is assumed
// upstream per spec §1) that an NFC-reader-class device POSTs
// {resource, to, actor?} JSON to; translated into a Proposal. Grounded
// on http/server.go's echo.HandlerFunc conventions.
type WebhookInitiator struct {
	name      string
	proposals chan Proposal
	echo      *echo.Echo
	logger    *logrus.Entry
	closeOnce sync.Once
}

type webhookBody struct {
	Resource string `json:"resource"`
	To       string `json:"to"`
	Actor    string `json:"actor,omitempty"`
}

// NewWebhookInitiator is a Constructor. Recognized params: path
// (default "/webhook").
func NewWebhookInitiator(name string, params map[string]interface{}, logger *logrus.Entry) (Source, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	path, _ := params["path"].(string)
	if path == "" {
		path = "/webhook"
	}

	w := &WebhookInitiator{
		name:      name,
		proposals: make(chan Proposal, 64),
		echo:      echo.New(),
		logger:    logger.WithField("initiator", name),
	}
	w.echo.HideBanner = true
	w.echo.HidePort = true
	w.echo.POST(path, w.handle)
	return w, nil
}

func (w *WebhookInitiator) handle(c echo.Context) error {
	var body webhookBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if body.Resource == "" || body.To == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource and to are required")
	}

	target, err := parseStateKind(body.To)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	p := Proposal{Resource: body.Resource, Target: target}
	if body.Actor != "" {
		p.Actor = body.Actor
		p.HasActor = true
	}

	select {
	case w.proposals <- p:
	default:
		w.logger.Warn("proposal channel full, dropping webhook proposal")
	}
	return c.NoContent(http.StatusAccepted)
}

func parseStateKind(to string) (model.MachineState, error) {
	switch to {
	case "free":
		return model.StateFree(), nil
	case "in_use":
		return model.MachineState{Kind: model.InUse}, nil
	case "to_check":
		return model.MachineState{Kind: model.ToCheck}, nil
	case "blocked":
		return model.MachineState{Kind: model.Blocked}, nil
	case "disabled":
		return model.MachineState{Kind: model.Disabled}, nil
	case "reserved":
		return model.MachineState{Kind: model.Reserved}, nil
	default:
		return model.MachineState{}, fmt.Errorf("unknown target state %q", to)
	}
}

// Handler exposes the underlying echo instance as an http.Handler for
// embedding in another server. Nothing in makerd mounts or serves it,
// and WebhookInitiator binds no port of its own.
func (w *WebhookInitiator) Handler() http.Handler { return w.echo }

func (w *WebhookInitiator) Name() string               { return w.name }
func (w *WebhookInitiator) Proposals() <-chan Proposal { return w.proposals }
func (w *WebhookInitiator) Close() {
	w.closeOnce.Do(func() { close(w.proposals) })
}
