// Package machine is the Resource State Machine — spec §4.5, the core
// of the core. One instance per Resource, owning its MachineState,
// sequence counter, actuator set, and Subscription Bus endpoint;
// every mutation is serialized through a single mailbox goroutine.
//
// Grounded structurally on coordinator/coordinator.go's single-owner-
// goroutine mailbox pattern (ctx/cancel/wg, a buffered command channel,
// dedicated read-loop goroutines feeding the mailbox from each
// asynchronous source) and on statemanager/manager.go's mutation-
// through-owner-method discipline: every field on instance is only ever
// touched from the run() goroutine.
package machine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"makerd/actuator"
	"makerd/bus"
	"makerd/errs"
	"makerd/initiator"
	"makerd/model"
	"makerd/policy"
	"makerd/store"
)

// Command is the closed set of mailbox messages spec §4.5 names.
type Command interface{ isCommand() }

// RequestCmd is an RPC claim/release/force_release/block/unblock call.
type RequestCmd struct {
	From   model.UserId
	Target model.MachineState
	Reply  chan Result
}

func (RequestCmd) isCommand() {}

// InitiatorProposalCmd is a best-effort proposed transition from an
// Initiator Adapter.
type InitiatorProposalCmd struct {
	Actor    model.UserId
	HasActor bool
	Target   model.MachineState
}

func (InitiatorProposalCmd) isCommand() {}

type actuatorReportCmd struct{ Report model.ActuatorReport }

func (actuatorReportCmd) isCommand() {}

// SubscribeCmd attaches a new live subscriber.
type SubscribeCmd struct {
	Reply chan SubscribeResult
}

func (SubscribeCmd) isCommand() {}

// QueryCmd reads the current state without attaching a subscriber, for
// one-shot callers like list_resources.
type QueryCmd struct {
	Reply chan SubscribeResult
}

func (QueryCmd) isCommand() {}

// ShutdownCmd drains the mailbox and stops the instance.
type ShutdownCmd struct{}

func (ShutdownCmd) isCommand() {}

// Result is the outcome of a Request: Err is nil for Ok, or one of
// errs.PolicyDenied / errs.Overload / errs.Shutdown / errs.PersistError
// (the RPC layer maps all but PolicyDenied to Unavailable per spec §7's
// "user-visible failure surface is limited to {Denied, Unavailable,
// NotFound}").
type Result struct {
	Seq uint64
	Err error
}

// SubscribeResult is the reply to a SubscribeCmd.
type SubscribeResult struct {
	Sub      *bus.Subscriber
	State    model.MachineState
	Seq      uint64
	Verified bool
	Err      error
}

// Config carries the per-resource knobs the registry/config layer
// resolves before constructing an instance.
type Config struct {
	InitiatorDefaultPerm string
	MailboxSize          int
	PersistFailureLimit  int
	SubscriberBuffer     int
	// OnFatal is invoked (at most once) when persistence fails
	// PersistFailureLimit times in a row — the process-level fatal
	// escalation spec §7 describes for PersistError.
	OnFatal func(resource model.ResourceId, reason string)
}

// Handle is the external, transport-independent capability surface
// spec §6.2 calls "machine.Handle" — the only way outside code talks
// to a running instance.
type Handle struct {
	id   model.ResourceId
	cmds chan Command
	done chan struct{}
}

func (h *Handle) ID() model.ResourceId { return h.id }

// Request enqueues a Request command and waits for its reply or ctx
// cancellation. A full mailbox is reported as Overload immediately
// (spec §7: "Overload (mailbox full): caller receives Unavailable").
func (h *Handle) Request(ctx context.Context, from model.UserId, target model.MachineState) (Result, error) {
	reply := make(chan Result, 1)
	select {
	case h.cmds <- RequestCmd{From: from, Target: target, Reply: reply}:
	default:
		return Result{Err: errs.New(errs.Overload, "mailbox full")}, nil
	}
	select {
	case r := <-reply:
		return r, nil
	case <-h.done:
		// run() replies before it closes done, so a reply that was sent
		// is already buffered here.
		select {
		case r := <-reply:
			return r, nil
		default:
		}
		return Result{Err: errs.New(errs.Shutdown, "unavailable")}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Subscribe attaches a new live subscriber and returns the current
// state + verification status, per spec §4.5 "Processing Subscribe".
func (h *Handle) Subscribe(ctx context.Context) (SubscribeResult, error) {
	reply := make(chan SubscribeResult, 1)
	select {
	case h.cmds <- SubscribeCmd{Reply: reply}:
	default:
		return SubscribeResult{}, errs.New(errs.Overload, "mailbox full")
	}
	select {
	case r := <-reply:
		return r, r.Err
	case <-ctx.Done():
		return SubscribeResult{}, ctx.Err()
	}
}

// State reads the current state and seq without attaching a live
// subscriber (used by one-shot callers like list_resources).
func (h *Handle) State(ctx context.Context) (SubscribeResult, error) {
	reply := make(chan SubscribeResult, 1)
	select {
	case h.cmds <- QueryCmd{Reply: reply}:
	default:
		return SubscribeResult{}, errs.New(errs.Overload, "mailbox full")
	}
	select {
	case r := <-reply:
		return r, r.Err
	case <-ctx.Done():
		return SubscribeResult{}, ctx.Err()
	}
}

// Propose enqueues a best-effort InitiatorProposal; unlike Request it
// has no reply and is silently dropped if the mailbox is full.
func (h *Handle) Propose(actorID model.UserId, hasActor bool, target model.MachineState) {
	select {
	case h.cmds <- InitiatorProposalCmd{Actor: actorID, HasActor: hasActor, Target: target}:
	default:
	}
}

// Attach wires an Initiator Adapter's proposal stream into this
// machine's mailbox, forwarding until the source closes its channel.
func (h *Handle) Attach(src initiator.Source) {
	go func() {
		for p := range src.Proposals() {
			h.Propose(p.Actor, p.HasActor, p.Target)
		}
	}()
}

// Shutdown enqueues Shutdown and blocks until the instance has fully
// drained and stopped. The send must never be dropped — run() is the
// only reader of h.cmds and keeps draining it until it sees this
// command, so a blocking send here always eventually succeeds.
func (h *Handle) Shutdown() {
	h.cmds <- ShutdownCmd{}
	<-h.done
}

// instance is the single-writer state owned by run(); every field here
// is touched only from that goroutine.
type instance struct {
	resource *model.Resource
	store    *store.Store
	oracle   *policy.Oracle
	bus      *bus.Bus
	actuators map[string]actuator.Adapter
	cfg      Config

	state    model.MachineState
	seq      uint64
	verified bool
	acks     map[string]uint64

	persistFailures int

	cmds   chan Command
	logger *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New performs startup reconciliation (spec §4.5 "Start-up
// reconciliation") and starts the owning goroutine, returning a Handle.
func New(res *model.Resource, st *store.Store, oracle *policy.Oracle, actuators map[string]actuator.Adapter, cfg Config, logger *logrus.Entry) (*Handle, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 32
	}
	if cfg.PersistFailureLimit <= 0 {
		cfg.PersistFailureLimit = 5
	}

	rec, err := st.Get(res.ID)
	if err != nil {
		return nil, err
	}

	var state model.MachineState
	var seq uint64
	if rec != nil {
		state = rec.State
		seq = rec.Seq
	} else {
		state = model.StateFree()
		state.At = time.Now()
		seq = 0
		if err := st.Put(res.ID, &model.StateRecord{Resource: res.ID, State: state, Seq: seq, Timestamp: state.At}); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		resource:  res,
		store:     st,
		oracle:    oracle,
		bus:       bus.New(cfg.SubscriberBuffer),
		actuators: actuators,
		cfg:       cfg,
		state:     state,
		seq:       seq,
		acks:      make(map[string]uint64),
		cmds:      make(chan Command, cfg.MailboxSize),
		logger:    logger.WithField("resource", res.ID),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	for name, a := range actuators {
		inst.wg.Add(1)
		go inst.forwardReports(name, a)
	}

	// run() is not tracked in inst.wg: it calls handleShutdown, which
	// waits on inst.wg for the forwardReports goroutines to exit. If
	// run() held its own token in the same group, that wait would block
	// on itself and never return.
	go inst.run()

	// Startup reconciliation: dispatch apply to every attached adapter so
	// hardware reconverges on the authoritative stored state (P6).
	for _, a := range actuators {
		a.Apply(inst.state, inst.seq)
	}

	return &Handle{id: res.ID, cmds: inst.cmds, done: inst.done}, nil
}

func (m *instance) forwardReports(name string, a actuator.Adapter) {
	defer m.wg.Done()
	for r := range a.Reports() {
		select {
		case m.cmds <- actuatorReportCmd{Report: r}:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *instance) run() {
	for {
		select {
		case cmd := <-m.cmds:
			if _, ok := cmd.(ShutdownCmd); ok {
				m.handleShutdown()
				close(m.done)
				return
			}
			m.handle(cmd)
		}
	}
}

func (m *instance) handle(cmd Command) {
	switch c := cmd.(type) {
	case RequestCmd:
		m.processRequest(c.From, true, c.Target, model.CauseClientRequest, c.Reply)
	case InitiatorProposalCmd:
		actorID := c.Actor
		if !c.HasActor {
			actorID = ""
		}
		m.processRequest(actorID, c.HasActor, c.Target, model.CauseInitiator, nil)
	case actuatorReportCmd:
		m.processActuatorReport(c.Report)
	case SubscribeCmd:
		m.processSubscribe(c.Reply)
	case QueryCmd:
		m.processQuery(c.Reply)
	}
}

// processRequest implements spec §4.5 "Processing a Request or
// InitiatorProposal".
func (m *instance) processRequest(requester model.UserId, hasRequester bool, target model.MachineState, cause model.Cause, reply chan Result) {
	req := requiredPermission(m.state, target, requester)
	if req == permDenied || !m.checkPermission(req, requester, hasRequester) {
		if cause == model.CauseClientRequest {
			m.logger.WithField("from", requester).Debug("request denied")
		} else {
			m.logger.WithField("actor", requester).Debug("initiator proposal rejected")
		}
		m.replyResult(reply, Result{Err: errs.New(errs.PolicyDenied, "denied")})
		return
	}

	if target.Equal(m.state) {
		// P5: idempotent no-op — no seq bump, no broadcast, no store write.
		m.replyResult(reply, Result{Seq: m.seq})
		return
	}

	m.commit(target, cause, reply)
}

func (m *instance) checkPermission(req permRequirement, requester model.UserId, hasRequester bool) bool {
	switch req {
	case permNoop:
		return true
	case permDenied:
		return false
	case permWrite:
		return m.hasPerm(requester, hasRequester, m.resource.WritePerm)
	case permManage:
		return m.hasPerm(requester, hasRequester, m.resource.ManagePerm)
	case permUserOrManage:
		if hasRequester && requester == m.state.User {
			return true
		}
		return m.hasPerm(requester, hasRequester, m.resource.ManagePerm)
	case permUserOnly:
		return hasRequester && requester == m.state.User
	default:
		return false
	}
}

// hasPerm checks an authenticated requester against the PolicyOracle,
// or — for anonymous InitiatorProposals — matches the resource's
// configured initiator_default_perm against the required tag (spec
// §4.4).
func (m *instance) hasPerm(requester model.UserId, hasRequester bool, tag string) bool {
	if tag == "" {
		return true
	}
	if hasRequester {
		return m.oracle.Has(requester, tag)
	}
	return policy.Matches(m.cfg.InitiatorDefaultPerm, tag)
}

// commit persists and applies an accepted transition — steps 3-8 of
// spec §4.5's Request/InitiatorProposal algorithm.
func (m *instance) commit(target model.MachineState, cause model.Cause, reply chan Result) {
	nextSeq := m.seq + 1
	newState := target
	newState.Previous = m.state.User
	newState.At = time.Now()

	rec := &model.StateRecord{Resource: m.resource.ID, State: newState, Seq: nextSeq, Timestamp: newState.At}
	if err := m.store.Put(m.resource.ID, rec); err != nil {
		m.onPersistFailure(err, reply)
		return
	}
	m.persistFailures = 0

	m.state = newState
	m.seq = nextSeq
	m.acks = make(map[string]uint64)
	m.verified = false

	m.bus.Publish(bus.Event{State: m.state, Seq: m.seq})
	for _, a := range m.actuators {
		a.Apply(m.state, m.seq)
	}

	m.replyResult(reply, Result{Seq: m.seq})
}

// onPersistFailure implements spec §7's PersistError recovery policy:
// the resource goes Disabled{persistence} in memory without a further
// persist attempt, and repeated failures escalate to process-fatal.
func (m *instance) onPersistFailure(err error, reply chan Result) {
	m.logger.WithError(err).Error("persist failed")
	m.persistFailures++
	m.replyResult(reply, Result{Err: errs.Wrap(errs.PersistError, "unavailable", err)})

	m.state = model.StateDisabled("persistence")
	m.bus.Publish(bus.Event{State: m.state, Seq: m.seq})

	if m.persistFailures >= m.cfg.PersistFailureLimit && m.cfg.OnFatal != nil {
		m.cfg.OnFatal(m.resource.ID, "repeated persist failures")
		m.cfg.OnFatal = nil
	}
}

// processActuatorReport implements spec §4.5's ActuatorReport handling.
func (m *instance) processActuatorReport(r model.ActuatorReport) {
	if r.Seq < m.seq {
		m.logger.WithFields(logrus.Fields{"adapter": r.Adapter, "seq": r.Seq}).Debug("discarding superseded actuator report")
		return
	}
	if r.Seq > m.seq {
		m.logger.WithFields(logrus.Fields{"adapter": r.Adapter, "seq": r.Seq}).Warn("protocol violation: future seq from adapter")
		return
	}

	switch r.Outcome {
	case model.Applied:
		if a, ok := m.actuators[r.Adapter]; ok {
			a.Verify(m.state, m.seq)
		}
	case model.Verified:
		m.acks[r.Adapter] = r.Seq
		if m.allVerified() {
			m.verified = true
			m.bus.Publish(bus.Event{State: m.state, Seq: m.seq, Verified: true})
		}
	case model.Failed:
		m.logger.WithFields(logrus.Fields{"adapter": r.Adapter, "reason": r.Reason}).Warn("actuator failure")
		if m.state.Kind != model.Blocked && m.state.Kind != model.Disabled {
			m.synthesizeRecovery(model.StateBlocked("actuator_failure"))
		}
	}
}

func (m *instance) allVerified() bool {
	if len(m.actuators) == 0 {
		return true
	}
	for name := range m.actuators {
		if m.acks[name] != m.seq {
			return false
		}
	}
	return true
}

// synthesizeRecovery commits a cause=verify_mismatch transition
// bypassing the permission check entirely — "recovery transitions are
// authorized by the system principal" (spec §4.5).
func (m *instance) synthesizeRecovery(target model.MachineState) {
	if target.Equal(m.state) {
		return
	}
	m.commit(target, model.CauseVerifyMismatch, nil)
}

func (m *instance) processSubscribe(reply chan SubscribeResult) {
	sub := m.bus.Subscribe()
	select {
	case reply <- SubscribeResult{Sub: sub, State: m.state, Seq: m.seq, Verified: m.verified}:
	default:
	}
}

func (m *instance) processQuery(reply chan SubscribeResult) {
	select {
	case reply <- SubscribeResult{State: m.state, Seq: m.seq, Verified: m.verified}:
	default:
	}
}

func (m *instance) replyResult(reply chan Result, r Result) {
	if reply == nil {
		return
	}
	select {
	case reply <- r:
	default:
	}
}

// handleShutdown implements spec §4.5's "Processing Shutdown": drain
// the mailbox rejecting pending Requests with Unavailable, close the
// bus (end-of-stream), and release actuator adapters. The Durable
// Store's fsync-on-close is the caller's responsibility since the store
// is shared across every resource's instance.
func (m *instance) handleShutdown() {
	m.cancel()
	m.bus.Close()
	for _, a := range m.actuators {
		a.Close()
	}

drain:
	for {
		select {
		case cmd := <-m.cmds:
			if r, ok := cmd.(RequestCmd); ok {
				m.replyResult(r.Reply, Result{Err: errs.New(errs.Shutdown, "unavailable")})
			}
		default:
			break drain
		}
	}
	m.wg.Wait()
}
