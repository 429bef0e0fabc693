// Package llmp implements the event manager: the single object a fuzzer
// worker or broker process holds to exchange tagged events with its
// peers. LLMP's own shared-memory ring pages are out of scope here; this
// package realizes the same bind-or-connect role split and the same
// send/receive contract over a plain TCP connection per client, a
// rendezvous port with no generic RPC surface layered in front of it.
package llmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/swarmfuzz/pkg/broker"
	"github.com/cuemby/swarmfuzz/pkg/event"
	"github.com/cuemby/swarmfuzz/pkg/feedback"
	"github.com/cuemby/swarmfuzz/pkg/fuzzclient"
	"github.com/cuemby/swarmfuzz/pkg/log"
	"github.com/cuemby/swarmfuzz/pkg/metrics"
	"github.com/rs/zerolog"
)

// Role is fixed for the lifetime of a Manager, decided once at construction
// by whether binding the rendezvous port succeeded.
type Role int

const (
	RoleBroker Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleBroker {
		return "broker"
	}
	return "client"
}

// ErrWrongRole is returned by an operation restricted to one role when
// called on a Manager holding the other.
var ErrWrongRole = errors.New("llmp: operation not valid for this role")

// ErrIllegalInbound marks TagToBroker arriving where it must never appear,
// at the wire level.
var ErrIllegalInbound = errors.New("llmp: illegal inbound tag")

// pollInterval is BrokerLoop's idle wakeup cadence when its inbox is empty.
// Process does not poll: it returns as soon as its inbox is empty.
const pollInterval = 5 * time.Millisecond

// EndpointDescriptor is what Describe returns and ExistingClientFromDescriptor
// consumes: enough for another process to reattach under the same client
// identity. Real LLMP would describe shared-memory ring pages here; this
// transport's equivalent is the broker address and the assigned client id.
type EndpointDescriptor struct {
	BrokerAddr string
	ClientID   uint32
}

// String encodes the descriptor as the single value exported under
// _AFL_ENV_FUZZER_BROKER_CLIENT.
func (d EndpointDescriptor) String() string {
	return fmt.Sprintf("%s|%d", d.BrokerAddr, d.ClientID)
}

// ParseEndpointDescriptor is the inverse of EndpointDescriptor.String.
func ParseEndpointDescriptor(s string) (EndpointDescriptor, error) {
	addr, idStr, ok := strings.Cut(s, "|")
	if !ok {
		return EndpointDescriptor{}, fmt.Errorf("llmp: malformed endpoint descriptor %q", s)
	}
	var id uint32
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		return EndpointDescriptor{}, fmt.Errorf("llmp: malformed endpoint descriptor %q: %w", s, err)
	}
	return EndpointDescriptor{BrokerAddr: addr, ClientID: id}, nil
}

// EnvFuzzerBrokerClient is the environment variable a restart supervisor
// exports the initial client descriptor under. _AFL_ENV_FUZZER_SENDER and
// _AFL_ENV_FUZZER_RECEIVER
// are the State Snapshot Channel's pair (pkg/shmem, pkg/supervisor); they
// name shared-memory page identities, not anything this package owns.
const EnvFuzzerBrokerClient = "_AFL_ENV_FUZZER_BROKER_CLIENT"

type rawFrame struct {
	senderID uint32
	tag      event.Tag
	payload  []byte
}

// clientConn is the broker's bookkeeping for one accepted connection.
type clientConn struct {
	id   uint32
	conn net.Conn
	mu   sync.Mutex // serializes writes to conn
}

func (c *clientConn) send(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.conn, f)
}

// Manager is the single event-exchange endpoint a process holds: a broker
// accepting every worker's connection, or a client holding one connection to
// the broker. Role never changes after construction.
type Manager struct {
	role Role
	log  zerolog.Logger

	// broker-side
	listener net.Listener
	registry *broker.StatsRegistry
	mu       sync.RWMutex
	clients  map[uint32]*clientConn
	nextID   uint32
	inbox    chan rawFrame

	// client-side
	conn       net.Conn
	clientID   uint32
	brokerAddr string
	recv       chan rawFrame
	syncAck    chan struct{}
	connErr    chan error
}

// NewOnPort is the bind-or-connect rendezvous: binding addr succeeds for
// exactly one process, which becomes the broker; every other caller
// connects as a client and the broker assigns it a sender id.
func NewOnPort(registry *broker.StatsRegistry, sink zerolog.Logger, addr string) (*Manager, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		m := &Manager{
			role:     RoleBroker,
			log:      sink,
			listener: ln,
			registry: registry,
			clients:  make(map[uint32]*clientConn),
			inbox:    make(chan rawFrame, 256),
		}
		go m.acceptLoop()
		return m, nil
	}

	conn, dialErr := net.Dial("tcp", addr)
	if dialErr != nil {
		return nil, fmt.Errorf("llmp: neither bind nor connect to %s succeeded (bind: %v, dial: %v)", addr, err, dialErr)
	}
	return newClient(conn, addr, sink)
}

// ExistingClientFromDescriptor reattaches a client endpoint using a
// previously-exported descriptor, re-announcing the same client id to the
// broker as part of a restart handshake.
func ExistingClientFromDescriptor(descriptor EndpointDescriptor, sink zerolog.Logger) (*Manager, error) {
	conn, err := net.Dial("tcp", descriptor.BrokerAddr)
	if err != nil {
		return nil, fmt.Errorf("llmp: reconnect to broker %s: %w", descriptor.BrokerAddr, err)
	}
	return newClientWithID(conn, descriptor.BrokerAddr, descriptor.ClientID, sink)
}

// ExistingClientFromEnv reconstructs a client endpoint from the
// _AFL_ENV_FUZZER_BROKER_CLIENT descriptor a restart supervisor exported
// before re-exec.
func ExistingClientFromEnv(lookup func(string) (string, bool), sink zerolog.Logger) (*Manager, error) {
	raw, ok := lookup(EnvFuzzerBrokerClient)
	if !ok {
		return nil, fmt.Errorf("llmp: %s not set", EnvFuzzerBrokerClient)
	}
	descriptor, err := ParseEndpointDescriptor(raw)
	if err != nil {
		return nil, err
	}
	return ExistingClientFromDescriptor(descriptor, sink)
}

func newClient(conn net.Conn, brokerAddr string, sink zerolog.Logger) (*Manager, error) {
	if err := writeFrame(conn, frame{tag: controlHello, senderID: 0}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("llmp: send hello: %w", err)
	}
	reply, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("llmp: await id assignment: %w", err)
	}
	if reply.tag != controlAssign {
		conn.Close()
		return nil, fmt.Errorf("llmp: expected id assignment, got tag %#x", reply.tag)
	}
	return startClient(conn, brokerAddr, reply.senderID, sink), nil
}

func newClientWithID(conn net.Conn, brokerAddr string, id uint32, sink zerolog.Logger) (*Manager, error) {
	if err := writeFrame(conn, frame{tag: controlHello, senderID: id}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("llmp: send hello: %w", err)
	}
	reply, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("llmp: await id re-assignment: %w", err)
	}
	if reply.tag != controlAssign || reply.senderID != id {
		conn.Close()
		return nil, fmt.Errorf("llmp: broker refused to honor requested id %d", id)
	}
	return startClient(conn, brokerAddr, id, sink), nil
}

func startClient(conn net.Conn, brokerAddr string, id uint32, sink zerolog.Logger) *Manager {
	m := &Manager{
		role:       RoleClient,
		log:        log.WithSenderID(sink, id),
		conn:       conn,
		clientID:   id,
		brokerAddr: brokerAddr,
		recv:       make(chan rawFrame, 256),
		syncAck:    make(chan struct{}, 1),
		connErr:    make(chan error, 1),
	}
	go m.clientReadLoop()
	return m
}

func (m *Manager) clientReadLoop() {
	for {
		f, err := readFrame(m.conn)
		if err != nil {
			m.connErr <- err
			close(m.recv)
			return
		}
		switch f.tag {
		case controlSyncAck:
			select {
			case m.syncAck <- struct{}{}:
			default:
			}
		case uint32(event.TagToBroker):
			m.log.Warn().Msg("received EVENT_TO_BROKER on client receive path, dropping")
		default:
			m.recv <- rawFrame{senderID: f.senderID, tag: event.Tag(f.tag), payload: f.payload}
		}
	}
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		go m.handshakeAndServe(conn)
	}
}

func (m *Manager) handshakeAndServe(conn net.Conn) {
	hello, err := readFrame(conn)
	if err != nil || hello.tag != controlHello {
		conn.Close()
		return
	}

	id := hello.senderID
	m.mu.Lock()
	if id == 0 {
		m.nextID++
		id = m.nextID
	} else if m.nextID < id {
		m.nextID = id
	}
	cc := &clientConn{id: id, conn: conn}
	m.clients[id] = cc
	m.mu.Unlock()

	if err := writeFrame(conn, frame{tag: controlAssign, senderID: id}); err != nil {
		conn.Close()
		return
	}
	m.log.Info().Uint32("sender_id", id).Msg("client connected")

	for {
		f, err := readFrame(conn)
		if err != nil {
			m.mu.Lock()
			delete(m.clients, id)
			m.mu.Unlock()
			return
		}
		if f.tag == controlSync {
			cc.send(frame{tag: controlSyncAck, senderID: id})
			continue
		}
		m.inbox <- rawFrame{senderID: id, tag: event.Tag(f.tag), payload: f.payload}
	}
}

// IsBroker reports this Manager's fixed role.
func (m *Manager) IsBroker() bool { return m.role == RoleBroker }

// Addr returns the bound rendezvous address, for callers that bound an
// ephemeral port (":0") and need the resolved address to hand to clients.
// Valid on brokers only.
func (m *Manager) Addr() (string, error) {
	if m.role != RoleBroker {
		return "", fmt.Errorf("%w: Addr is broker-only", ErrWrongRole)
	}
	return m.listener.Addr().String(), nil
}

// Describe returns the descriptor another process needs to reattach this
// client's identity. Valid on clients only.
func (m *Manager) Describe() (EndpointDescriptor, error) {
	if m.role != RoleClient {
		return EndpointDescriptor{}, fmt.Errorf("%w: Describe is client-only", ErrWrongRole)
	}
	return EndpointDescriptor{BrokerAddr: m.brokerAddr, ClientID: m.clientID}, nil
}

// ToEnv exports this client's descriptor as the single environment variable
// a restart supervisor should carry across re-exec.
func (m *Manager) ToEnv() (map[string]string, error) {
	d, err := m.Describe()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		EnvFuzzerBrokerClient: d.String(),
	}, nil
}

// Fire publishes ev. A client sends it to the broker under TagToBoth; a
// broker broadcasts it directly to every connected client without passing
// through HandleInBroker, since firing is the publish side, not the
// classify-and-forward side, of the broker's job.
func (m *Manager) Fire(ev *event.Event) error {
	payload, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("llmp: encode event: %w", err)
	}

	if m.role == RoleClient {
		f := frame{tag: uint32(event.TagToBoth), senderID: m.clientID, payload: payload}
		if err := writeFrame(m.conn, f); err != nil {
			return fmt.Errorf("llmp: send to broker: %w", err)
		}
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	f := frame{tag: uint32(event.TagToBoth), senderID: 0, payload: payload}
	for id, cc := range m.clients {
		if err := cc.send(f); err != nil {
			m.log.Warn().Uint32("sender_id", id).Err(err).Msg("broadcast failed")
		}
	}
	return nil
}

// BrokerLoop drains inbound frames, classifies each with HandleInBroker, and
// re-broadcasts the ones that call for it. It must never be invoked
// concurrently, and fails fast if called on a client.
func (m *Manager) BrokerLoop(ctx context.Context) error {
	if m.role != RoleBroker {
		return fmt.Errorf("%w: BrokerLoop is broker-only", ErrWrongRole)
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rf := <-m.inbox:
			timer := metrics.NewTimer()
			err := m.dispatchInbound(rf)
			timer.ObserveDuration(metrics.BrokerLoopLatency)
			if err != nil {
				m.log.Error().Err(err).Uint32("sender_id", rf.senderID).Msg("broker dispatch failed")
			}
		case <-ticker.C:
		}
	}
}

func (m *Manager) dispatchInbound(rf rawFrame) error {
	switch rf.tag {
	case event.TagToBoth:
		ev, err := event.Decode(rf.payload)
		if err != nil {
			metrics.CodecErrorsTotal.WithLabelValues("broker_decode").Inc()
			return fmt.Errorf("decode: %w", err)
		}
		action, err := broker.HandleInBroker(m.registry, m.log, rf.senderID, ev)
		if err != nil {
			return err
		}
		if action == broker.Forward {
			m.broadcastRaw(rf)
		}
		return nil

	case event.TagToBroker:
		return fmt.Errorf("%w: sender %d sent EVENT_TO_BROKER inbound", ErrIllegalInbound, rf.senderID)

	default:
		// TagToClient and any other forward-only tag: relay verbatim
		// without decoding.
		m.broadcastRaw(rf)
		return nil
	}
}

func (m *Manager) broadcastRaw(rf rawFrame) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f := frame{tag: uint32(rf.tag), senderID: rf.senderID, payload: rf.payload}
	for id, cc := range m.clients {
		if err := cc.send(f); err != nil {
			m.log.Warn().Uint32("sender_id", id).Err(err).Msg("forward failed")
		}
	}
}

// Process drains available inbound events and dispatches each through
// fuzzclient.HandleInClient, returning how many it adopted. It is
// client-only; BrokerLoop is the broker's equivalent draining operation.
func (m *Manager) Process(state feedback.State, scheduler feedback.Scheduler, newObservers fuzzclient.ObserverFactory) (int, error) {
	if m.role != RoleClient {
		return 0, fmt.Errorf("%w: Process is client-only", ErrWrongRole)
	}

	adopted := 0
	for {
		select {
		case rf, ok := <-m.recv:
			if !ok {
				select {
				case err := <-m.connErr:
					return adopted, fmt.Errorf("llmp: connection to broker lost: %w", err)
				default:
					return adopted, fmt.Errorf("llmp: connection to broker closed")
				}
			}
			ev, err := event.Decode(rf.payload)
			if err != nil {
				metrics.CodecErrorsTotal.WithLabelValues("client_decode").Inc()
				return adopted, fmt.Errorf("llmp: decode inbound event from sender %d: %w", rf.senderID, err)
			}
			result, err := fuzzclient.HandleInClient(state, rf.senderID, ev, scheduler, newObservers)
			if err != nil {
				return adopted, err
			}
			if result.Adopted {
				adopted++
			}
		default:
			return adopted, nil
		}
	}
}

// AwaitRestartSafe blocks until the broker has acknowledged this client's
// outstanding sends: a client must never be torn down mid-flight. Brokers
// have nothing to wait for.
func (m *Manager) AwaitRestartSafe(ctx context.Context) error {
	if m.role != RoleClient {
		return nil
	}
	if err := writeFrame(m.conn, frame{tag: controlSync, senderID: m.clientID}); err != nil {
		return fmt.Errorf("llmp: send sync: %w", err)
	}
	select {
	case <-m.syncAck:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down this endpoint. Clients must be restart-safe before this
// is called; Close itself does not wait, since callers that already know
// they are mid-shutdown (not mid-restart) may not want to block on a broker
// that is gone.
func (m *Manager) Close() error {
	if m.role == RoleBroker {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, cc := range m.clients {
			cc.conn.Close()
		}
		return m.listener.Close()
	}
	return m.conn.Close()
}
