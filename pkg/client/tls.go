package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxHandshakeRetries = 10
	DefaultHandshakeRetryDelay = 100 * time.Millisecond
)

var (
	ErrHandshakeRetries    = errors.New("client: tls handshake retry limit reached")
	ErrCertificateRejected = errors.New("client: peer certificate rejected")
	ErrClientCredentials   = errors.New("client: invalid client certificate or key")
	ErrCAFile              = errors.New("client: invalid ca file")
)

// TLSConfig is the transport security configuration consumed by Connect.
type TLSConfig struct {
	Enabled  bool
	CAFile   string
	CertFile string
	KeyFile  string

	// ServerName overrides the host name used for chain verification.
	ServerName string
}

// HandshakeState is the progress of the TLS negotiation.
type HandshakeState int32

const (
	HandshakeNotStarted HandshakeState = iota
	HandshakeInProgress
	HandshakeEstablished
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeNotStarted:
		return "not-started"
	case HandshakeInProgress:
		return "in-progress"
	case HandshakeEstablished:
		return "established"
	case HandshakeFailed:
		return "failed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int32(s))
	}
}

// PeerInfo describes an established TLS session.
type PeerInfo struct {
	Version string
	Subject string
	Issuer  string
}

// loadTLS builds the crypto/tls configuration and the verification roots.
// Client credentials are loaded here so a mismatched pair fails before any
// socket is opened.
func loadTLS(cfg TLSConfig, host string) (*tls.Config, *x509.CertPool, error) {
	tc := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		// Chain verification runs after the handshake in verifyPeer so that a
		// self-signed leaf can be accepted.
		InsecureSkipVerify: true,
	}
	if cfg.ServerName != "" {
		tc.ServerName = cfg.ServerName
	}

	certFile := strings.TrimSpace(cfg.CertFile)
	keyFile := strings.TrimSpace(cfg.KeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, nil, fmt.Errorf("%w: both cert and key files are required", ErrClientCredentials)
		}
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrClientCredentials, err)
		}
		tc.Certificates = []tls.Certificate{pair}
	}

	var roots *x509.CertPool
	if caFile := strings.TrimSpace(cfg.CAFile); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCAFile, err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("%w: no certificates in %s", ErrCAFile, caFile)
		}
	} else {
		sys, err := x509.SystemCertPool()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: system roots: %v", ErrCAFile, err)
		}
		roots = sys
	}
	return tc, roots, nil
}

// verifyPeer accepts a chain that verifies against roots for serverName, or
// a lone self-signed leaf. Every other outcome is rejected.
func verifyPeer(cs tls.ConnectionState, roots *x509.CertPool, serverName string) error {
	certs := cs.PeerCertificates
	if len(certs) == 0 {
		return fmt.Errorf("%w: no peer certificate", ErrCertificateRejected)
	}
	leaf := certs[0]

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		DNSName:       serverName,
	})
	if err == nil {
		return nil
	}
	if len(certs) == 1 && isSelfSigned(leaf) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrCertificateRejected, err)
}

func isSelfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawIssuer, c.RawSubject) {
		return false
	}
	return c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature) == nil
}

// handshaker performs a TLS negotiation in non-blocking steps.
type handshaker interface {
	// step reports done=false while the handshake still needs more I/O.
	step() (done bool, err error)
	connectionState() tls.ConnectionState
	abort()
}

// asyncHandshake drives (*tls.Conn).HandshakeContext on its own goroutine;
// each step polls for its result. crypto/tls cannot resume a handshake that
// was interrupted by a deadline, so the step cannot be a bounded read.
type asyncHandshake struct {
	conn   *tls.Conn
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	result chan error
}

func newAsyncHandshake(ctx context.Context, conn *tls.Conn) *asyncHandshake {
	ctx, cancel := context.WithCancel(ctx)
	return &asyncHandshake{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		result: make(chan error, 1),
	}
}

func (h *asyncHandshake) step() (bool, error) {
	h.once.Do(func() {
		go func() {
			h.result <- h.conn.HandshakeContext(h.ctx)
		}()
	})
	select {
	case err := <-h.result:
		return true, err
	default:
		return false, nil
	}
}

func (h *asyncHandshake) connectionState() tls.ConnectionState {
	return h.conn.ConnectionState()
}

func (h *asyncHandshake) abort() {
	h.cancel()
}

// tlsSession is the handshake state machine. step is only called from the
// client loop; state may be read from any goroutine.
type tlsSession struct {
	hs         handshaker
	verify     func(tls.ConnectionState) error
	maxRetries int
	delay      time.Duration
	sleep      func(time.Duration)

	state   atomic.Int32
	retries int
	peer    PeerInfo
}

func newTLSSession(hs handshaker, verify func(tls.ConnectionState) error, maxRetries int, delay time.Duration) *tlsSession {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxHandshakeRetries
	}
	return &tlsSession{
		hs:         hs,
		verify:     verify,
		maxRetries: maxRetries,
		delay:      delay,
		sleep:      time.Sleep,
	}
}

func (s *tlsSession) State() HandshakeState {
	return HandshakeState(s.state.Load())
}

func (s *tlsSession) established() bool {
	return s.State() == HandshakeEstablished
}

// step advances the handshake once. A non-nil error means the session is
// Failed and the connection must be torn down.
func (s *tlsSession) step() error {
	switch s.State() {
	case HandshakeEstablished:
		return nil
	case HandshakeFailed:
		return errors.New("client: tls session failed")
	case HandshakeNotStarted:
		s.state.Store(int32(HandshakeInProgress))
	}

	done, err := s.hs.step()
	if err != nil {
		return s.fail(fmt.Errorf("tls handshake: %w", err))
	}
	if !done {
		s.retries++
		if s.retries >= s.maxRetries {
			s.hs.abort()
			return s.fail(fmt.Errorf("%w (%d attempts)", ErrHandshakeRetries, s.retries))
		}
		s.sleep(s.delay)
		return nil
	}

	cs := s.hs.connectionState()
	if err := s.verify(cs); err != nil {
		return s.fail(err)
	}
	s.peer = PeerInfo{Version: tls.VersionName(cs.Version)}
	if len(cs.PeerCertificates) > 0 {
		s.peer.Subject = cs.PeerCertificates[0].Subject.String()
		s.peer.Issuer = cs.PeerCertificates[0].Issuer.String()
	}
	s.state.Store(int32(HandshakeEstablished))
	return nil
}

func (s *tlsSession) fail(err error) error {
	s.state.Store(int32(HandshakeFailed))
	return err
}
