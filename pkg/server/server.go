package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/presence"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// auditFlushInterval is how often buffered audit events reach SQLite
const auditFlushInterval = time.Second

// Server is the relaychat server: one presence directory shared by every
// transport (raw TCP, SSH, WebSocket).
type Server struct {
	dir         *presence.Directory
	listener    net.Listener
	sshListener net.Listener
	sessions    *SessionManager
	config      ServerConfig
	audit       *database.DB // nil when the journal is disabled
	metrics     *Metrics
	shutdown    chan struct{}
	stopOnce    sync.Once
	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
	startTime   time.Time

	httpMu      sync.Mutex
	httpServers []*http.Server

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int // 0 = any free port
	SSHPort        int // 0 = disabled
	HTTPPort       int // Public WebSocket endpoint (0 = disabled)
	MetricsPort    int // Internal /metrics, /health, /presence, /audit (0 = disabled)
	SSHHostKeyPath string

	CredentialsPath string
	AuditDBPath     string // empty = no audit journal

	BlockDuration     time.Duration
	IdleTimeout       time.Duration // 0 = never evict
	MaxFailedAttempts int
	SweepInterval     time.Duration
	OutboundQueueSize int // per-connection queue before a client counts as slow
	MaxPendingPerUser int // 0 = unbounded
	MaxMessageLength  int // runes, 0 = unlimited
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:        6465,
		SSHPort:        6466,
		HTTPPort:       8080,
		MetricsPort:    9090,
		SSHHostKeyPath: "~/.relaychat/ssh_host_key",

		CredentialsPath: "credentials.txt",
		AuditDBPath:     "~/.relaychat/audit.db",

		BlockDuration:     60 * time.Second,
		IdleTimeout:       300 * time.Second,
		MaxFailedAttempts: presence.DefaultMaxFailedAttempts,
		SweepInterval:     time.Second,
		OutboundQueueSize: 256,
		MaxPendingPerUser: 0,
		MaxMessageLength:  4096,
	}
}

// NewServer creates a server for the given accounts. Nothing listens until
// Start is called.
func NewServer(config ServerConfig, creds []presence.Credential) (*Server, error) {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}

	metrics := NewMetrics()

	var audit *database.DB
	if config.AuditDBPath != "" {
		path, err := expandHome(config.AuditDBPath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		audit, err = database.Open(path, auditFlushInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit journal: %w", err)
		}
	}

	observers := presence.Observers{metrics, presence.ObserverFunc(logEvent)}
	if audit != nil {
		observers = append(observers, auditObserver{db: audit})
	}

	dir, err := presence.NewDirectory(creds, presence.Options{
		BlockDuration:     config.BlockDuration,
		IdleTimeout:       config.IdleTimeout,
		MaxFailedAttempts: config.MaxFailedAttempts,
		MaxPendingPerUser: config.MaxPendingPerUser,
		MaxMessageLength:  config.MaxMessageLength,
		Observer:          observers,
	})
	if err != nil {
		if audit != nil {
			audit.Close()
		}
		return nil, err
	}

	sessions := NewSessionManager(config.OutboundQueueSize)
	sessions.SetMetrics(metrics)

	return &Server{
		dir:       dir,
		sessions:  sessions,
		config:    config,
		audit:     audit,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "relaychat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "relaychat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLoggers points the error log at stderr plus errors.log and the
// standard log at stdout plus server.log, both in the data directory.
func InitLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Run marker, errors.log is appended across restarts
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Directory exposes the presence directory (status endpoints, tests)
func (s *Server) Directory() *presence.Directory {
	return s.dir
}

// Metrics exposes the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start opens every configured listener and starts the background loops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if s.config.SSHPort > 0 {
		if err := s.startSSHServer(); err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to start SSH server: %w", err)
		}
	}

	if s.config.HTTPPort > 0 {
		addr := fmt.Sprintf(":%d", s.config.HTTPPort)
		if err := s.serveHTTP("Public HTTP", addr, s.publicRouter()); err != nil {
			s.closeListeners()
			return err
		}
	}

	// Internal only, never expose publicly
	if s.config.MetricsPort > 0 {
		addr := fmt.Sprintf(":%d", s.config.MetricsPort)
		if err := s.serveHTTP("Metrics", addr, s.internalRouter()); err != nil {
			s.closeListeners()
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	sweeper := presence.NewSweeper(s.dir, s.config.SweepInterval, s.onSweep)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sweeper.Run(ctx)
	}()

	// Log metrics every 5 seconds
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// serveHTTP binds addr synchronously so port conflicts surface from Start,
// then serves in the background.
func (s *Server) serveHTTP(name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpMu.Lock()
	s.httpServers = append(s.httpServers, srv)
	s.httpMu.Unlock()

	log.Printf("%s server listening on %s", name, ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("%s server error: %v", name, err)
		}
	}()
	return nil
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}

	s.httpMu.Lock()
	servers := s.httpServers
	s.httpServers = nil
	s.httpMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown: %v", err)
		}
	}
}

// Stop gracefully stops the server. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)
	if s.sweepCancel != nil {
		s.sweepCancel()
	}

	// Stop accepting new connections
	s.closeListeners()
	log.Println("Listeners closed")

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if s.audit != nil {
		log.Println("Flushing audit journal...")
		if err := s.audit.Close(); err != nil {
			errorLog.Printf("Error closing audit journal: %v", err)
			return err
		}
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection registers conn as a session and runs its read loop until
// the client goes away. Shared by every transport.
func (s *Server) handleConnection(conn net.Conn, connType string) {
	sess, err := s.sessions.CreateSession(connType, conn)
	if err != nil {
		debugLog.Printf("Rejecting %s connection from %s: %v", connType, conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (session %s)", connType, sess.RemoteAddr(), sess.ID())

	s.messageLoop(sess)
}

// messageLoop reads frames until the connection fails or is closed
func (s *Server) messageLoop(sess *Session) {
	defer s.removeSession(sess)

	for {
		frame, err := sess.Conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Session %s: client disconnected", sess.ID())
			} else {
				debugLog.Printf("Session %s: read error: %v", sess.ID(), err)
			}
			return
		}

		debugLog.Printf("Session %s ← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", sess.ID(), frame.Type, frame.Flags, len(frame.Payload))
		s.handleFrame(sess, frame)
	}
}

// removeSession is the single exit path for a connection: the directory
// treats it as an implicit logout, then the writer is told to finish.
func (s *Server) removeSession(sess *Session) {
	s.dir.Disconnect(sess)
	s.sessions.RemoveSession(sess.ID())
	s.disconnectionsSinceReport.Add(1)
}

// onSweep runs after every sweep tick, outside the directory lock
func (s *Server) onSweep(stats presence.SweepStats) {
	s.metrics.RecordSweep(stats, s.dir.PendingCount())
	if stats.Delivered > 0 || stats.TimedOut > 0 || stats.Unblocked > 0 {
		debugLog.Printf("Sweep: delivered=%d timed_out=%d unblocked=%d took=%v",
			stats.Delivered, stats.TimedOut, stats.Unblocked, stats.Took)
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Connections: %d, online users: %d, pending: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.sessions.CountSessions(), len(s.dir.Online()), s.dir.PendingCount(),
				connected, disconnected, runtime.NumGoroutine())
		}
	}
}

// logEvent writes presence state changes to the debug log
func logEvent(e presence.Event) {
	switch e.Kind {
	case presence.EventLogin:
		debugLog.Printf("login %s from %s: %s", e.Username, e.Remote, e.Status)
	case presence.EventMessage:
		debugLog.Printf("message %s -> %s: %s", e.Username, e.Target, e.Status)
	case presence.EventBroadcast:
		debugLog.Printf("broadcast from %s: sent=%d blocked=%d", e.Username, e.Sent, e.Blocked)
	case presence.EventDropped:
		errorLog.Printf("pending queue for %s full, dropped message from %s", e.Target, e.Username)
	default:
		debugLog.Printf("%s %s %s", e.Kind, e.Username, e.Target)
	}
}
