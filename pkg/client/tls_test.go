package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telnirc/client/internal/testutil/tlstest"
)

type hsOutcome struct {
	done bool
	err  error
}

type fakeHandshake struct {
	outcomes []hsOutcome
	calls    int
	aborted  bool
	state    tls.ConnectionState
}

func (f *fakeHandshake) step() (bool, error) {
	f.calls++
	if len(f.outcomes) == 0 {
		return false, nil
	}
	o := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return o.done, o.err
}

func (f *fakeHandshake) connectionState() tls.ConnectionState { return f.state }
func (f *fakeHandshake) abort()                               { f.aborted = true }

func newTestSession(hs handshaker, verify func(tls.ConnectionState) error) (*tlsSession, *[]time.Duration) {
	if verify == nil {
		verify = func(tls.ConnectionState) error { return nil }
	}
	s := newTLSSession(hs, verify, DefaultMaxHandshakeRetries, DefaultHandshakeRetryDelay)
	var slept []time.Duration
	s.sleep = func(d time.Duration) { slept = append(slept, d) }
	return s, &slept
}

func TestHandshakeGivesUpAfterRetryLimit(t *testing.T) {
	hs := &fakeHandshake{}
	s, slept := newTestSession(hs, nil)
	require.Equal(t, HandshakeNotStarted, s.State())

	for i := 1; i < DefaultMaxHandshakeRetries; i++ {
		require.NoError(t, s.step(), "attempt %d", i)
		require.Equal(t, HandshakeInProgress, s.State())
	}
	err := s.step()
	require.ErrorIs(t, err, ErrHandshakeRetries)
	require.Equal(t, HandshakeFailed, s.State())
	require.Equal(t, DefaultMaxHandshakeRetries, hs.calls)
	require.True(t, hs.aborted)
	require.Len(t, *slept, DefaultMaxHandshakeRetries-1)
	for _, d := range *slept {
		require.Equal(t, DefaultHandshakeRetryDelay, d)
	}

	require.Error(t, s.step())
	require.Equal(t, DefaultMaxHandshakeRetries, hs.calls)
}

func TestHandshakeErrorFailsImmediately(t *testing.T) {
	boom := errors.New("remote error: tls: handshake failure")
	hs := &fakeHandshake{outcomes: []hsOutcome{{err: boom}}}
	s, slept := newTestSession(hs, nil)

	err := s.step()
	require.ErrorIs(t, err, boom)
	require.Equal(t, HandshakeFailed, s.State())
	require.Empty(t, *slept)
}

func TestHandshakeEstablishesAfterPendingSteps(t *testing.T) {
	leaf := tlstest.SelfSigned(t, t.TempDir(), "irc.example.net", []string{"irc.example.net"}, nil)
	hs := &fakeHandshake{
		outcomes: []hsOutcome{{}, {}, {done: true}},
		state: tls.ConnectionState{
			Version:          tls.VersionTLS13,
			PeerCertificates: []*x509.Certificate{leaf.Cert},
		},
	}
	s, slept := newTestSession(hs, nil)

	require.NoError(t, s.step())
	require.NoError(t, s.step())
	require.False(t, s.established())
	require.NoError(t, s.step())
	require.True(t, s.established())
	require.Len(t, *slept, 2)

	require.Equal(t, "TLS 1.3", s.peer.Version)
	require.Equal(t, "CN=irc.example.net", s.peer.Subject)
	require.Equal(t, "CN=irc.example.net", s.peer.Issuer)

	require.NoError(t, s.step())
	require.Equal(t, 3, hs.calls)
}

func TestHandshakeVerifyFailure(t *testing.T) {
	hs := &fakeHandshake{outcomes: []hsOutcome{{done: true}}}
	s, _ := newTestSession(hs, func(tls.ConnectionState) error {
		return ErrCertificateRejected
	})

	require.ErrorIs(t, s.step(), ErrCertificateRejected)
	require.Equal(t, HandshakeFailed, s.State())
}

func TestVerifyPeerPolicy(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "test-ca")
	trusted := ca.IssueServerCert(t, dir, "irc.example.net", []string{"irc.example.net"}, nil)
	selfSigned := tlstest.SelfSigned(t, dir, "self", []string{"self.example.net"}, nil)

	other := tlstest.NewAuthority(t, dir, "other-ca")
	untrusted := other.IssueServerCert(t, dir, "rogue.example.net", []string{"rogue.example.net"}, nil)

	state := func(certs ...*x509.Certificate) tls.ConnectionState {
		return tls.ConnectionState{PeerCertificates: certs}
	}

	tests := []struct {
		name       string
		cs         tls.ConnectionState
		serverName string
		ok         bool
	}{
		{"chain verifies", state(trusted.Cert), "irc.example.net", true},
		{"chain with wrong host", state(trusted.Cert), "other.example.net", false},
		{"self-signed leaf", state(selfSigned.Cert), "anything", true},
		{"self-signed with extra cert", state(selfSigned.Cert, trusted.Cert), "anything", false},
		{"unknown issuer", state(untrusted.Cert), "rogue.example.net", false},
		{"no certificate", state(), "irc.example.net", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyPeer(tt.cs, ca.Pool(), tt.serverName)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrCertificateRejected)
		})
	}
}

func TestLoadTLSCredentials(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "test-ca")
	a := ca.IssueClientCert(t, dir, "client-a")
	b := ca.IssueClientCert(t, dir, "client-b")

	cfg, roots, err := loadTLS(TLSConfig{Enabled: true, CAFile: ca.CAFile(), CertFile: a.CertFile, KeyFile: a.KeyFile}, "irc.example.net")
	require.NoError(t, err)
	require.NotNil(t, roots)
	require.Len(t, cfg.Certificates, 1)
	require.Equal(t, "irc.example.net", cfg.ServerName)

	_, _, err = loadTLS(TLSConfig{Enabled: true, CertFile: a.CertFile, KeyFile: b.KeyFile}, "irc.example.net")
	require.ErrorIs(t, err, ErrClientCredentials)

	_, _, err = loadTLS(TLSConfig{Enabled: true, CertFile: a.CertFile}, "irc.example.net")
	require.ErrorIs(t, err, ErrClientCredentials)

	_, _, err = loadTLS(TLSConfig{Enabled: true, CAFile: a.KeyFile}, "irc.example.net")
	require.ErrorIs(t, err, ErrCAFile)

	cfg, _, err = loadTLS(TLSConfig{Enabled: true, CAFile: ca.CAFile(), ServerName: "override.example.net"}, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "override.example.net", cfg.ServerName)
}

func TestConnectRejectsMismatchedCredentialsBeforeDialing(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "test-ca")
	a := ca.IssueClientCert(t, dir, "client-a")
	b := ca.IssueClientCert(t, dir, "client-b")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan struct{}, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- struct{}{}
			conn.Close()
		}
	}()

	c := New(&recordingModule{})
	port := ln.Addr().(*net.TCPAddr).Port
	err = c.Connect(testContext(t), "127.0.0.1", port, TLSConfig{Enabled: true, CertFile: a.CertFile, KeyFile: b.KeyFile})
	require.ErrorIs(t, err, ErrClientCredentials)
	require.ErrorIs(t, c.Start(testContext(t)), ErrNotConnected)

	select {
	case <-accepted:
		t.Fatal("client dialed despite invalid credentials")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandshakeStateString(t *testing.T) {
	require.Equal(t, "not-started", HandshakeNotStarted.String())
	require.Equal(t, "in-progress", HandshakeInProgress.String())
	require.Equal(t, "established", HandshakeEstablished.String())
	require.Equal(t, "failed", HandshakeFailed.String())
}
