package transport

import (
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"binrpc/conf"
	"binrpc/dispatch"
	"binrpc/errors"
	"binrpc/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// Server accepts connections and pins each one to the next queue of its
// dispatcher. All accepted transports share one Listener.
type Server struct {
	cfg        *conf.TransportConfig
	dispatcher *dispatch.Dispatcher
	listener   Listener
	control    *dispatch.Queue
	lifecycle  Lifecycle
	transports *xsync.MapOf[uint64, *Transport]
	// OnAccept, when set, sees every accepted transport before it starts.
	OnAccept func(t *Transport)

	lock          sync.Mutex
	ln            net.Listener
	address       string
	advertiseHost string
	suspended     bool
	resume        chan struct{}
	closing       chan struct{}
	loopDone      chan struct{}
}

func NewServer(cfg *conf.TransportConfig, dispatcher *dispatch.Dispatcher, listener Listener) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		control:    dispatcher.Next(),
		transports: xsync.NewMapOf[uint64, *Transport](),
	}
	s.listener = &trackingListener{Listener: listener, server: s}
	s.lifecycle = NewLifecycle("transport server", s.doStart, s.doStop)
	return s
}

// Bind listens on address. Port 0 picks an ephemeral port, which is kept
// across restarts.
func (s *Server) Bind(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return errors.WithStack(errors.NewTransportFailure(address, err))
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.ln = ln
	s.address = ln.Addr().String()
	return nil
}

// SetAdvertiseHost overrides the host reported by ConnectAddress.
func (s *Server) SetAdvertiseHost(host string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.advertiseHost = host
}

// Addr returns the bound address, or nil before Bind.
func (s *Server) Addr() net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ConnectAddress is the address clients should dial. A wildcard listen host
// is replaced by the advertise host or the local hostname.
func (s *Server) ConnectAddress() string {
	s.lock.Lock()
	address, advertise := s.address, s.advertiseHost
	s.lock.Unlock()
	if address == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	if advertise != "" {
		return net.JoinHostPort(advertise, port)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		hostname, err := os.Hostname()
		if err != nil {
			return net.JoinHostPort("localhost", port)
		}
		return net.JoinHostPort(hostname, port)
	}
	return address
}

func (s *Server) Start(onComplete func()) {
	if !s.control.Execute(func() { s.lifecycle.Start(onComplete) }) {
		runCallback(onComplete)
	}
}

// Stop closes the listener and stops every accepted transport.
func (s *Server) Stop(onComplete func()) {
	if !s.control.Execute(func() { s.lifecycle.Stop(onComplete) }) {
		runCallback(onComplete)
	}
}

// Connections returns the number of live accepted transports.
func (s *Server) Connections() int {
	return s.transports.Size()
}

// Suspend stops accepting new connections until Resume. Established
// connections are unaffected.
func (s *Server) Suspend() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.suspended {
		return
	}
	s.suspended = true
	s.resume = make(chan struct{})
	if tcp, ok := s.ln.(*net.TCPListener); ok {
		// kick the accept loop out of Accept
		_ = tcp.SetDeadline(time.Now())
	}
}

func (s *Server) Resume() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.suspended {
		return
	}
	s.suspended = false
	if tcp, ok := s.ln.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(time.Time{})
	}
	close(s.resume)
}

func (s *Server) doStart(done func()) {
	s.lock.Lock()
	if s.ln == nil && s.address != "" {
		ln, err := net.Listen("tcp", s.address)
		if err != nil {
			logger.Errorf("transport server: cannot listen on %s: %v", s.address, err)
		} else {
			s.ln = ln
		}
	}
	ln := s.ln
	s.closing = make(chan struct{})
	s.loopDone = make(chan struct{})
	closing, loopDone := s.closing, s.loopDone
	s.lock.Unlock()
	if ln == nil {
		logger.Warnf("transport server started without a bound address")
		close(loopDone)
		done()
		return
	}
	logger.Infof("transport server listening on %s", ln.Addr())
	go s.acceptLoop(ln, closing, loopDone)
	done()
}

func (s *Server) acceptLoop(ln net.Listener, closing <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)
	for {
		if !s.awaitResume(closing) {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logger.Warnf("transport server: accept failed: %v", err)
			continue
		}
		t := Accept(s.cfg, s.dispatcher.Next(), s.listener, conn)
		s.transports.Store(t.ID(), t)
		if s.OnAccept != nil {
			s.OnAccept(t)
		}
		t.Start(nil)
	}
}

// awaitResume blocks while accepting is suspended. It returns false when
// the server is closing.
func (s *Server) awaitResume(closing <-chan struct{}) bool {
	s.lock.Lock()
	if !s.suspended {
		s.lock.Unlock()
		return true
	}
	resume := s.resume
	s.lock.Unlock()
	select {
	case <-resume:
		return true
	case <-closing:
		return false
	}
}

func (s *Server) doStop(done func()) {
	s.lock.Lock()
	close(s.closing)
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	loopDone := s.loopDone
	s.lock.Unlock()
	go func() {
		<-loopDone
		var open []*Transport
		s.transports.Range(func(_ uint64, t *Transport) bool {
			open = append(open, t)
			return true
		})
		finish := func() {
			if !s.control.Execute(done) {
				done()
			}
		}
		if len(open) == 0 {
			finish()
			return
		}
		var remaining atomic.Int32
		remaining.Store(int32(len(open)))
		for _, t := range open {
			t.Stop(func() {
				if remaining.Add(-1) == 0 {
					finish()
				}
			})
		}
	}()
}

// trackingListener forgets transports once their socket is gone.
type trackingListener struct {
	Listener
	server *Server
}

func (l *trackingListener) OnDisconnected(t *Transport) {
	l.server.transports.Delete(t.ID())
	l.Listener.OnDisconnected(t)
}
