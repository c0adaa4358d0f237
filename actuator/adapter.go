// Package actuator is the Actuator Adapter: one logical worker per
// configured actor name, implementing the capability set
// {apply(target, seq), verify(expected, seq)} and emitting
// ActuatorReports back to the owning Resource State Machine. Grounded
// on executor/executor.go's Executor capability interface plus its
// Registry (predicate-free here: dispatch is by module name, not
// CanHandle) and executor/command_executor.go's subprocess execution
// for ProcessAdapter. The retry/supersede/deadline shape is grounded on
// worker/pool.go's stop-channel worker loop and
// coordinator/coordinator.go's non-blocking Send for the supersede
// behavior spec §4.3 requires.
package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"makerd/model"
)

// Adapter is the capability interface spec §4.3 names: apply/verify are
// fire-and-forget from the caller's perspective, with outcomes arriving
// asynchronously on Reports().
type Adapter interface {
	Name() string
	Apply(target model.MachineState, seq uint64)
	Verify(expected model.MachineState, seq uint64)
	Reports() <-chan model.ActuatorReport
	Close()
}

// Constructor builds a named Adapter instance from module parameters,
// mirroring the "module string -> constructor" mapping spec §9 calls
// for ("no dynamic inheritance graph").
type Constructor func(name string, params map[string]interface{}, logger *logrus.Entry) (Adapter, error)

// Catalog maps module names to Constructors, grounded on
// executor.Registry's registration/lookup shape.
type Catalog struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewCatalog returns a Catalog pre-registered with the adapters this
// package ships: dummy and process. Callers add mqtt (mqttbridge) and
// any others.
func NewCatalog() *Catalog {
	c := &Catalog{constructors: make(map[string]Constructor)}
	c.Register("dummy", NewDummyAdapter)
	c.Register("process", NewProcessAdapter)
	return c
}

// Register adds or replaces the constructor for module.
func (c *Catalog) Register(module string, ctor Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constructors[module] = ctor
}

// Build constructs a named Adapter for the given module.
func (c *Catalog) Build(module, name string, params map[string]interface{}, logger *logrus.Entry) (Adapter, error) {
	c.mu.RLock()
	ctor, ok := c.constructors[module]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("actuator: unknown module %q", module)
	}
	return ctor(name, params, logger)
}

// base implements the supersede-aware apply/verify dispatch shared by
// every in-process adapter (Dummy, Process): exactly one operation is
// ever in flight; starting a new one cancels the previous one without
// it ever reporting an outcome, matching spec §4.3's "adapter
// supersedes ... does not report an outcome for N".
type base struct {
	name     string
	logger   *logrus.Entry
	deadline time.Duration
	reports  chan model.ActuatorReport

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func newBase(name string, deadline time.Duration, logger *logrus.Entry) *base {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &base{
		name:     name,
		logger:   logger.WithField("adapter", name),
		deadline: deadline,
		reports:  make(chan model.ActuatorReport, 8),
	}
}

func (b *base) Name() string                        { return b.name }
func (b *base) Reports() <-chan model.ActuatorReport { return b.reports }

// begin cancels any in-flight operation and returns a fresh, deadline-
// bounded context for the new one.
func (b *base) begin() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.deadline)
	b.cancel = cancel
	return ctx
}

// send delivers a report without ever blocking the adapter's own
// goroutines, the same select/default idiom coordinator.Send uses.
func (b *base) send(r model.ActuatorReport) {
	select {
	case b.reports <- r:
	default:
		b.logger.Warn("report channel full, dropping report")
	}
}

func (b *base) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()
	b.wg.Wait()
	close(b.reports)
}

// DummyAdapter always reports applied then verified after a
// configurable artificial delay. Used for tests and demo machines.
type DummyAdapter struct {
	*base
	delay time.Duration
}

// NewDummyAdapter is a Constructor. Recognized params: delay_ms,
// deadline_ms (defaults 20ms / 5s).
func NewDummyAdapter(name string, params map[string]interface{}, logger *logrus.Entry) (Adapter, error) {
	delay := durationParam(params, "delay_ms", 20*time.Millisecond)
	deadline := durationParam(params, "deadline_ms", 5*time.Second)
	return &DummyAdapter{base: newBase(name, deadline, logger), delay: delay}, nil
}

func (d *DummyAdapter) Apply(target model.MachineState, seq uint64) {
	ctx := d.begin()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-time.After(d.delay):
			d.send(model.ActuatorReport{Adapter: d.name, Seq: seq, Outcome: model.Applied})
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				d.send(model.ActuatorReport{Adapter: d.name, Seq: seq, Outcome: model.Failed, Reason: "timeout"})
			}
			// canceled (superseded): report nothing, per spec §4.3.
		}
	}()
}

func (d *DummyAdapter) Verify(expected model.MachineState, seq uint64) {
	ctx := d.begin()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-time.After(d.delay):
			d.send(model.ActuatorReport{Adapter: d.name, Seq: seq, Outcome: model.Verified})
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				d.send(model.ActuatorReport{Adapter: d.name, Seq: seq, Outcome: model.Failed, Reason: "timeout"})
			}
		}
	}()
}

// ProcessAdapter runs a configured subprocess with the serialized
// target state as its argument, grounded directly on
// executor/command_executor.go: exit 0 is success, a nonzero exit or a
// context deadline is failed{reason}. It self-verifies on successful
// apply (spec §4.3's Process variant has no separate hardware-read-back
// step in this reference implementation).
type ProcessAdapter struct {
	*base
	shell   string
	command string
}

// NewProcessAdapter is a Constructor. Recognized params: command
// (required), shell (default /bin/sh), deadline_ms (default 5s).
func NewProcessAdapter(name string, params map[string]interface{}, logger *logrus.Entry) (Adapter, error) {
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("actuator: process adapter %q requires params.command", name)
	}
	shell, _ := params["shell"].(string)
	if shell == "" {
		shell = "/bin/sh"
	}
	deadline := durationParam(params, "deadline_ms", 5*time.Second)
	return &ProcessAdapter{base: newBase(name, deadline, logger), shell: shell, command: command}, nil
}

func (p *ProcessAdapter) Apply(target model.MachineState, seq uint64) {
	ctx := p.begin()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		payload, _ := json.Marshal(target)
		cmd := exec.CommandContext(ctx, p.shell, "-c", p.command+" "+shellQuote(string(payload)))
		output, err := cmd.CombinedOutput()
		if ctx.Err() != nil {
			// superseded or deadline; deadline alone is a real failure.
			if ctx.Err() == context.DeadlineExceeded {
				p.send(model.ActuatorReport{Adapter: p.name, Seq: seq, Outcome: model.Failed, Reason: "timeout"})
			}
			return
		}
		if err != nil {
			p.logger.WithError(err).WithField("output", string(output)).Warn("process adapter command failed")
			p.send(model.ActuatorReport{Adapter: p.name, Seq: seq, Outcome: model.Failed, Reason: "command_error"})
			return
		}
		p.send(model.ActuatorReport{Adapter: p.name, Seq: seq, Outcome: model.Applied})
		p.send(model.ActuatorReport{Adapter: p.name, Seq: seq, Outcome: model.Verified})
	}()
}

func (p *ProcessAdapter) Verify(expected model.MachineState, seq uint64) {
	// ProcessAdapter already self-verifies in Apply; an explicit Verify
	// call (e.g. at startup reconciliation) re-confirms immediately.
	p.send(model.ActuatorReport{Adapter: p.name, Seq: seq, Outcome: model.Verified})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func durationParam(params map[string]interface{}, key string, def time.Duration) time.Duration {
	if params == nil {
		return def
	}
	raw, ok := params[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	default:
		return def
	}
}
