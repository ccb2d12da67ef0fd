// Package peer implements the RPC Engine and Connection Lifecycle
// (§4.8–§4.10): a bidirectional OCPP RPC endpoint over a single
// WebSocket connection. The same Peer type backs both a client
// (dialing out, with reconnection) and a server-accepted connection
// (handed an already-upgraded socket by server.Server) — the server
// side simply skips the CONNECTING dial step (§4.10, §4.11 step 9).
package peer

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ocppcore/ocpp-rpc/internal/settle"
	"github.com/ocppcore/ocpp-rpc/logger"
	"github.com/ocppcore/ocpp-rpc/middleware"
	"github.com/ocppcore/ocpp-rpc/queue"
	"github.com/ocppcore/ocpp-rpc/validate"
)

// State is a Peer's position in the connection lifecycle (§4.10).
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// noReplySentinel is the reserved handler return value that suppresses
// any response frame for that CALL (§4.8.2 step 2, GLOSSARY "NOREPLY").
type noReplySentinel struct{}

// NoReply is returned by a Handler to suppress the CALLRESULT that
// would otherwise be sent for its CALL.
var NoReply = &noReplySentinel{}

// Handler processes one inbound CALL's params and returns either a
// JSON-serializable result, NoReply, or an error. An error that is
// (or wraps) an *rpcerror.Error is sent verbatim; any other error is
// wrapped as InternalError (§4.8.2 step 3).
type Handler func(ctx *CallContext) (interface{}, error)

// CallContext carries everything a Handler needs about the inbound
// CALL it is answering.
type CallContext struct {
	MessageID string
	Method    string
	Protocol  string
	Params    []byte
}

// Config configures a Peer. Zero-value fields take the documented
// defaults (§6 "Configuration surface").
type Config struct {
	Identity string
	Endpoint string
	Protocols []string
	Query     url.Values
	Headers   http.Header

	Reconnect     bool
	MaxReconnects int
	BackoffMin    time.Duration
	BackoffMax    time.Duration

	CallTimeout     time.Duration
	CallConcurrency int

	PingInterval         time.Duration
	DeferPingsOnActivity bool

	MaxBadMessages            int
	RespondWithDetailedErrors bool

	StrictMode           validate.Mode
	Validators           *validate.Registry
	Middlewares          *middleware.Stack
	SecurityProfile      int
	Password             string

	Logger *logger.Logger
}

// withDefaults fills unset Config fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.CallConcurrency <= 0 {
		c.CallConcurrency = 1
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 1 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxBadMessages <= 0 {
		c.MaxBadMessages = 10
	}
	if c.Middlewares == nil {
		c.Middlewares = middleware.New()
	}
	if c.Logger == nil {
		c.Logger, _ = logger.Get(logger.SubsystemTags.RPCE)
	}
	return c
}

// Peer is one side of an OCPP RPC connection.
type Peer struct {
	cfg Config

	stateMu  sync.RWMutex
	state    State
	protocol string // negotiated subprotocol, narrowed after first OPEN

	conn   wireConn
	connMu sync.Mutex

	sendChan chan sendRequest
	quit     chan struct{}
	wg       sync.WaitGroup

	outboundBuffer   [][]byte
	outboundBufferMu sync.Mutex

	queue *queue.Queue

	pendingCalls   map[string]*pendingCall
	pendingCallsMu sync.Mutex

	pendingResponses   map[string]struct{}
	pendingResponsesMu sync.Mutex

	handlers         map[string]Handler
	protocolHandlers map[string]Handler
	wildcardHandler  Handler
	handlersMu       sync.RWMutex

	badMessageCount   int32
	badMessageCountMu sync.Mutex

	reconnectAttempt int
	pendingSettle    *settle.Group

	listenersMu sync.RWMutex
	listeners   map[EventType][]Listener

	pingTimer *time.Timer
	closeOnce sync.Once
}

// New constructs a Peer in the CLOSED state. Call Connect to dial out
// (client role), or use NewServerPeer to bind an already-accepted
// socket (server role).
func New(cfg Config) *Peer {
	cfg = cfg.withDefaults()
	p := &Peer{
		cfg:              cfg,
		state:            StateClosed,
		sendChan:         make(chan sendRequest, 64),
		quit:             make(chan struct{}),
		queue:            queue.New(cfg.CallConcurrency),
		pendingCalls:     make(map[string]*pendingCall),
		pendingResponses: make(map[string]struct{}),
		handlers:         make(map[string]Handler),
		protocolHandlers: make(map[string]Handler),
		pendingSettle:    settle.New(),
		listeners:        make(map[EventType][]Listener),
	}
	return p
}

// State returns the Peer's current lifecycle state.
func (p *Peer) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// Protocol returns the negotiated subprotocol, or "" before the first
// successful open.
func (p *Peer) Protocol() string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.protocol
}

// Identity returns the configured identity (the charge point / CSMS
// name carried in the connection URL).
func (p *Peer) Identity() string { return p.cfg.Identity }

// BaseCallConcurrency returns the configured CallConcurrency: the
// scale of 1.0 for ScaleCallConcurrency.
func (p *Peer) BaseCallConcurrency() int { return p.cfg.CallConcurrency }

// ScaleCallConcurrency adjusts the outbound call queue's concurrency
// cap to multiplier * BaseCallConcurrency, floored at 1 so an
// overloaded host still drains calls rather than stalling entirely
// (§4.12 "consumed by admission callers ... to scale the effective
// concurrency of the bounded queue").
func (p *Peer) ScaleCallConcurrency(multiplier float64) {
	n := int(float64(p.cfg.CallConcurrency) * multiplier)
	if n < 1 {
		n = 1
	}
	p.queue.SetConcurrency(n)
}

func (p *Peer) incBadMessages() int32 {
	p.badMessageCountMu.Lock()
	defer p.badMessageCountMu.Unlock()
	p.badMessageCount++
	return p.badMessageCount
}

// BadMessageCount returns the number of inbound frames that failed to
// parse or shape-check since the last OPEN transition (§4.9, invariant 5).
func (p *Peer) BadMessageCount() int32 {
	p.badMessageCountMu.Lock()
	defer p.badMessageCountMu.Unlock()
	return p.badMessageCount
}

func (p *Peer) resetBadMessages() {
	p.badMessageCountMu.Lock()
	p.badMessageCount = 0
	p.badMessageCountMu.Unlock()
}

// wireConn is the subset of *websocket.Conn the engine depends on.
// Abstracting it lets the RPC logic be unit-tested against a fake
// without a real TCP/TLS/WS handshake.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type sendRequest struct {
	data []byte
	done chan error
}
