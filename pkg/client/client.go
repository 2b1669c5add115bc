package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval   = 50 * time.Millisecond
	DefaultWriteTimeout   = 2 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	readBufferSize        = 512
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrPeerClosed   = errors.New("client: connection closed by peer")
	ErrStopped      = errors.New("client: stopped")
	ErrQuit         = errors.New("client: quit requested")
)

// Client owns one long-lived connection: it frames inbound bytes into lines
// for its module and delivers queued outbound lines from a background loop.
type Client struct {
	// PollInterval bounds how long one receive waits for data.
	PollInterval time.Duration
	// WriteTimeout bounds one send attempt.
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration

	MaxHandshakeRetries int
	HandshakeRetryDelay time.Duration

	Logger  zerolog.Logger
	Display Display
	LineLog LineLog

	module Module

	// populated by Connect
	addr    string
	conn    net.Conn
	session *tlsSession

	inbound  lineBuffer
	outbound outbox
	readBuf  []byte

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	started   bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a client driven by m and binds the module to it.
func New(m Module) *Client {
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Client{
		PollInterval:        DefaultPollInterval,
		WriteTimeout:        DefaultWriteTimeout,
		ConnectTimeout:      DefaultConnectTimeout,
		MaxHandshakeRetries: DefaultMaxHandshakeRetries,
		HandshakeRetryDelay: DefaultHandshakeRetryDelay,
		Logger:              zerolog.Nop(),
		Display:             nopDisplay{},
		LineLog:             nopLineLog{},
		module:              m,
		readBuf:             make([]byte, readBufferSize),
		ctx:                 ctx,
		cancel:              cancel,
	}
	m.Init(c)
	return c
}

// Module returns the module driving this client.
func (c *Client) Module() Module { return c.module }

// Addr returns the remote address after Connect.
func (c *Client) Addr() string { return c.addr }

// Connect resolves host, dials it and, if cfg is enabled, wraps the socket in
// a TLS session whose handshake the loop completes. Every error is fatal;
// there is no retry.
func (c *Client) Connect(ctx context.Context, host string, port int, cfg TLSConfig) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var (
		tlsCfg *tls.Config
		roots  *x509.CertPool
	)
	if cfg.Enabled {
		var err error
		tlsCfg, roots, err = loadTLS(cfg, host)
		if err != nil {
			return err
		}
	}

	d := net.Dialer{Timeout: c.ConnectTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	c.addr = addr

	if !cfg.Enabled {
		c.setConn(raw, nil)
		c.Logger.Info().Str("addr", addr).Msg("connected")
		c.Print(fmt.Sprintf("Connecting to %s", addr), ColorDefault)
		return nil
	}

	tc := tls.Client(raw, tlsCfg)
	serverName := tlsCfg.ServerName
	verify := func(cs tls.ConnectionState) error {
		return verifyPeer(cs, roots, serverName)
	}
	c.setConn(tc, newTLSSession(newAsyncHandshake(c.ctx, tc), verify, c.MaxHandshakeRetries, c.HandshakeRetryDelay))
	c.Logger.Info().Str("addr", addr).Bool("tls", true).Msg("connected")
	c.Print(fmt.Sprintf("Connecting to %s (TLS)", addr), ColorDefault)
	return nil
}

func (c *Client) setConn(conn net.Conn, session *tlsSession) {
	c.conn = conn
	c.session = session
}

// Start launches the background loop and returns immediately. Cancelling
// ctx has the same effect as Shutdown.
func (c *Client) Start(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.wg.Add(1)
	c.mu.Unlock()

	if ctx != nil {
		context.AfterFunc(ctx, func() {
			c.Shutdown(context.Cause(ctx))
		})
	}
	go c.loop()
	return nil
}

// Stop signals the loop to end and blocks until it has exited.
// It must not be called from the loop itself (i.e. from Parse).
func (c *Client) Stop() {
	c.Shutdown(ErrStopped)
	c.wg.Wait()
}

// Close stops the loop and closes the connection.
func (c *Client) Close() error {
	c.Stop()
	var err error
	c.closeOnce.Do(func() {
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Shutdown sets the shared stop signal. The first cause wins.
func (c *Client) Shutdown(cause error) {
	if cause == nil {
		cause = ErrStopped
	}
	c.cancel(cause)
}

// Done is closed once shutdown has been requested.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns the shutdown cause, or nil while running.
func (c *Client) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

// SendData queues message plus CRLF for delivery. It never blocks. Lines
// queued before the TLS handshake completes are sent once it has.
func (c *Client) SendData(message string) {
	c.outbound.push([]byte(message + "\r\n"))
	c.LineLog.Append("<- " + message)
	c.Print("<- "+message, ColorDefault)
	c.wake()
}

// Pending returns the frames still waiting in the outbound queue.
func (c *Client) Pending() []string {
	return c.outbound.snapshot()
}

// HandshakeState reports the TLS negotiation progress. Plain connections
// report HandshakeEstablished.
func (c *Client) HandshakeState() HandshakeState {
	if c.session == nil {
		return HandshakeEstablished
	}
	return c.session.State()
}

// Print forwards text to the display.
func (c *Client) Print(text string, color Color) {
	c.Display.Print(text, color)
}

// SetHeader forwards a status-line update to the display.
func (c *Client) SetHeader(header string) {
	c.Display.SetHeader(header)
}

// wake cuts short a receive that is waiting for data so queued frames go
// out without waiting for the poll interval.
func (c *Client) wake() {
	conn := c.conn
	if conn == nil || !c.ready() {
		return
	}
	_ = conn.SetReadDeadline(time.Now())
}

func (c *Client) ready() bool {
	return c.session == nil || c.session.established()
}

func (c *Client) loop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			if c.session != nil && !c.session.established() {
				c.session.hs.abort()
			}
			c.finalFlush()
			return
		default:
		}

		if err := c.iterate(); err != nil {
			c.fail(err)
			return
		}
	}
}

// iterate runs one loop pass: a handshake step while TLS is negotiating,
// otherwise one receive followed by draining the outbound queue.
func (c *Client) iterate() error {
	if !c.ready() {
		if err := c.session.step(); err != nil {
			return err
		}
		if c.session.established() {
			c.reportPeer(c.session.peer)
		}
		return nil
	}

	if err := c.receive(); err != nil {
		return err
	}
	if err := c.outbound.drain(c.send); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *Client) receive() error {
	wait := c.PollInterval
	if c.outbound.len() > 0 {
		wait = time.Millisecond
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))

	n, err := c.conn.Read(c.readBuf)
	if n > 0 {
		c.inbound.feed(c.readBuf[:n], c.dispatch)
	}
	switch {
	case err == nil:
		return nil
	case isWouldBlock(err):
		return nil
	case errors.Is(err, io.EOF):
		return ErrPeerClosed
	default:
		return fmt.Errorf("receive: %w", err)
	}
}

func (c *Client) send(frame []byte) (int, error) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	return c.conn.Write(frame)
}

func (c *Client) dispatch(line string) {
	c.LineLog.Append("-> " + line)
	if !c.module.Parse(line) {
		c.Logger.Debug().Str("line", line).Msg("unhandled line")
	}
}

// finalFlush gives frames queued before shutdown (e.g. QUIT) one chance to
// reach the peer.
func (c *Client) finalFlush() {
	if c.conn == nil || !c.ready() || c.outbound.len() == 0 {
		return
	}
	if err := c.outbound.drain(c.send); err != nil {
		c.Logger.Debug().Err(err).Msg("final flush failed")
	}
}

func (c *Client) fail(err error) {
	if errors.Is(err, ErrPeerClosed) {
		c.Logger.Info().Str("addr", c.addr).Msg("connection closed by server")
		c.Print("Connection closed by server", ColorAlert)
	} else {
		c.Logger.Error().Err(err).Str("addr", c.addr).Msg("connection failed")
		c.Print(fmt.Sprintf("Error: %v", err), ColorAlert)
	}
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
	c.Shutdown(err)
}

func (c *Client) reportPeer(p PeerInfo) {
	c.Logger.Info().
		Str("addr", c.addr).
		Str("tls_version", p.Version).
		Str("subject", p.Subject).
		Str("issuer", p.Issuer).
		Msg("tls established")
	c.Print(fmt.Sprintf("TLS established (%s) subject=%q issuer=%q", p.Version, p.Subject, p.Issuer), ColorNotice)
}

func isWouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
