package wire

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomasquin2003/ballot-delivery/logging"
)

// Handler processes one inbound Envelope. Implementations live in each
// tier (cmd/station, broker/relay, cmd/central) and dispatch on Kind.
type Handler func(from net.Addr, env Envelope)

// WriteDeadline bounds how long a single frame write may block, mirroring
// the 1-second SetWriteDeadline in network/*/conn.go.
const WriteDeadline = 1 * time.Second

// Listener is a newline-delimited-JSON TCP endpoint: it accepts inbound
// connections and dials outbound ones lazily, pooling one connection per
// destination address the way Commu does with connMap.
// Generalizes network/coordinator/conn.go (Commu) and
// network/participant/conn.go (Comm) into a single, spec-agnostic
// transport shared by all three tiers.
type Listener struct {
	listener net.Listener
	handler  Handler
	connMap  sync.Map // destination address -> net.Conn
	sem      chan struct{}
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// Listen binds address; Run accepts connections on it. maxConcurrent
// bounds the number of in-flight request handlers, the same
// semaphore-channel shape as Commu.sem.
func Listen(address string, maxConcurrent int, handler Handler) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", address)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", address, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	l := &Listener{
		listener: ln,
		handler:  handler,
		sem:      make(chan struct{}, maxConcurrent),
		done:     make(chan struct{}),
	}
	return l, nil
}

// Addr returns the bound local address, useful when address was ":0".
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// SetHandler replaces the inbound frame handler. Meant to be called
// once, before Run, when the handler itself needs a reference back to
// this Listener (e.g. to send replies) and so cannot be constructed
// before the Listener is.
func (l *Listener) SetHandler(handler Handler) {
	l.handler = handler
}

// Run accepts connections until Close is called. It is meant to run in
// its own goroutine from the tier's main.
func (l *Listener) Run() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				logging.Warnf("accept failed: %v", err)
				continue
			}
		}
		l.sem <- struct{}{}
		go func() {
			defer func() { <-l.sem }()
			l.handleConn(conn)
		}()
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		data, err := reader.ReadString('\n')
		if err == io.EOF {
			return
		}
		if err != nil {
			logging.Warnf("read failed from %s: %v", conn.RemoteAddr(), err)
			return
		}
		var env Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			logging.Warnf("malformed envelope from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		if l.handler == nil {
			logging.Warnf("no handler installed, dropping frame from %s", conn.RemoteAddr())
			continue
		}
		l.handler(conn.RemoteAddr(), env)
	}
}

// Close stops accepting new connections, closes all pooled outbound
// connections, and releases the listening socket.
func (l *Listener) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	l.connMap.Range(func(_, v interface{}) bool {
		_ = v.(net.Conn).Close()
		return true
	})
	return l.listener.Close()
}

// Send marshals env and writes it, newline-terminated, to the pooled
// connection for destination to, dialing lazily on first use.
func (l *Listener) Send(to string, env Envelope) error {
	conn, err := l.connFor(to)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	payload = append(payload, '\n')
	if err := conn.SetWriteDeadline(time.Now().Add(WriteDeadline)); err != nil {
		logging.Warnf("set write deadline to %s: %v", to, err)
	}
	if _, err := conn.Write(payload); err != nil {
		// the pooled connection is dead; drop it so the next Send redials.
		l.connMap.Delete(to)
		_ = conn.Close()
		return fmt.Errorf("writing to %s: %w", to, err)
	}
	return nil
}

func (l *Listener) connFor(to string) (net.Conn, error) {
	if cur, ok := l.connMap.Load(to); ok {
		return cur.(net.Conn), nil
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp4", to)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", to, err)
	}
	newConn, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", to, err)
	}
	fin, loaded := l.connMap.LoadOrStore(to, net.Conn(newConn))
	if loaded {
		_ = newConn.Close()
	}
	return fin.(net.Conn), nil
}
