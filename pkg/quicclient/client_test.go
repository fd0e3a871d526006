// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

const testALPN = "mqtt"

// echoServer is a minimal local QUIC server used as the "local QUIC
// echo server" of spec.md §8 scenario 1: it accepts every connection,
// accepts every stream on each, and echoes back whatever it reads.
type echoServer struct {
	listener *quic.Listener
	certPEM  []byte
}

func startEchoServer(t *testing.T) *echoServer {
	t.Helper()

	certPEM, keyPEM := generateSelfSignedCert(t, "127.0.0.1")
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("building server keypair: %v", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{testALPN},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConf, &quic.Config{
		MaxIdleTimeout:     30 * time.Second,
		MaxIncomingStreams: 8,
	})
	if err != nil {
		t.Fatalf("starting echo listener: %v", err)
	}

	srv := &echoServer{listener: ln, certPEM: certPEM}
	go srv.acceptLoop(t)
	return srv
}

func (s *echoServer) acceptLoop(t *testing.T) {
	for {
		conn, err := s.listener.Accept(context.Background())
		if err != nil {
			return
		}
		go s.handleConn(t, conn)
	}
}

func (s *echoServer) handleConn(t *testing.T, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := stream.Read(buf)
				if n > 0 {
					if _, werr := stream.Write(buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}
}

func (s *echoServer) addr() string {
	return s.listener.Addr().String()
}

func (s *echoServer) close() {
	_ = s.listener.Close()
}

// generateSelfSignedCert produces a throwaway RSA cert/key pair valid
// for host, mirroring the teacher's internal.GenerateSimpleListenerTLSConfig.
func generateSelfSignedCert(t *testing.T, host string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP(host)},
		DNSNames:     []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

// withTrustedCAFile points MQTT_QUIC_CA_FILE at a PEM file containing
// certPEM for the duration of the test, restoring whatever was set
// before.
func withTrustedCAFile(t *testing.T, certPEM []byte) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(path, certPEM, 0o600); err != nil {
		t.Fatalf("writing CA file: %v", err)
	}

	prev := os.Getenv(envCAFile)
	os.Setenv(envCAFile, path)
	t.Cleanup(func() { os.Setenv(envCAFile, prev) })
}

func dialAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting echo server address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return host, port
}

func TestHappyPathOpenWriteRead(t *testing.T) {
	srv := startEchoServer(t)
	defer srv.close()

	withTrustedCAFile(t, srv.certPEM)
	host, port := dialAddr(t, srv.addr())

	client := NewWithAddress(host, host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx, testALPN); err != nil {
		t.Fatalf("connect failed: %v (last_error=%s)", err, client.LastError())
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("expected IsConnected to be true after a successful connect")
	}

	streamID, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open_stream failed: %v", err)
	}

	connectPacket := []byte("\x10\x0cMQTT\x05\x00\x00\x3c\x00\x00")
	if err := client.WriteStream(streamID, connectPacket); err != nil {
		t.Fatalf("write_stream failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) && len(got) < len(connectPacket) {
		data, _, err := client.ReadStream(streamID)
		if err != nil {
			t.Fatalf("read_stream failed: %v", err)
		}
		got = append(got, data...)
		if len(data) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if !bytes.Equal(got, connectPacket) {
		t.Fatalf("expected echoed bytes %x, got %x", connectPacket, got)
	}
}

// TestConnectFailsOnBadCAFile is spec.md §8 scenario 2 exercised
// through the public façade: MQTT_QUIC_CA_FILE=/dev/null (here, an
// empty temp file — /dev/null itself yields the identical "no valid
// certificates" failure from x509.CertPool.AppendCertsFromPEM) must
// make connect fail, with last_error mentioning "Failed to load CA
// bundle", never silently falling back to a working system pool.
func TestConnectFailsOnBadCAFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.pem")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("writing empty CA file: %v", err)
	}
	withEnv(t, envCAFile, path)
	withEnv(t, envCAPath, "")

	// The UDP dial below always succeeds (UDP is connectionless), so
	// any loopback port exercises the CA-loading failure path without
	// needing a real QUIC peer.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("reserving a loopback UDP port: %v", err)
	}
	host, port := dialAddr(t, probe.LocalAddr().String())
	probe.Close()

	client := NewWithAddress(host, host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Connect(ctx, testALPN)
	if err == nil {
		t.Fatal("expected connect to fail against an unusable CA file")
	}
	if !strings.Contains(client.LastError(), "Failed to load CA bundle") {
		t.Fatalf("expected last_error to mention %q, got %q", "Failed to load CA bundle", client.LastError())
	}
	if client.IsConnected() {
		t.Fatal("expected IsConnected to be false after a failed connect")
	}
}

// TestConnectTimesOutAgainstSilentPeer is spec.md §8 scenario 3: a
// peer that never responds to Initial packets must fail connect with
// a handshake-timeout error, not hang indefinitely.
func TestConnectTimesOutAgainstSilentPeer(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("starting silent UDP listener: %v", err)
	}
	defer silent.Close()

	host, port := dialAddr(t, silent.LocalAddr().String())
	client := NewWithAddress(host, host, port)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err = client.Connect(ctx, testALPN)
	if err == nil {
		t.Fatal("expected connect to fail against a peer that never responds")
	}

	var terr *transportError
	if !errors.As(err, &terr) || terr.Kind != kindHandshakeTimeout {
		t.Fatalf("expected a handshake-timeout error, got %v", err)
	}
	if !strings.Contains(client.LastError(), "handshake timed out") {
		t.Fatalf("expected last_error to mention %q, got %q", "handshake timed out", client.LastError())
	}
}

func TestIdempotentCloseIsSafe(t *testing.T) {
	srv := startEchoServer(t)
	defer srv.close()

	withTrustedCAFile(t, srv.certPEM)
	host, port := dialAddr(t, srv.addr())

	client := NewWithAddress(host, host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx, testALPN); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	client.Close()
	client.Close()

	if client.IsConnected() {
		t.Fatal("expected IsConnected to be false after close")
	}
}

func TestOrderedMultiplexing(t *testing.T) {
	srv := startEchoServer(t)
	defer srv.close()

	withTrustedCAFile(t, srv.certPEM)
	host, port := dialAddr(t, srv.addr())

	client := NewWithAddress(host, host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx, testALPN); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	s1, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open_stream s1 failed: %v", err)
	}
	s2, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open_stream s2 failed: %v", err)
	}

	const size = 100 * 1024
	buf1 := bytes.Repeat([]byte{0xAA}, size)
	buf2 := bytes.Repeat([]byte{0xBB}, size)

	if err := client.WriteStream(s1, buf1); err != nil {
		t.Fatalf("write s1 failed: %v", err)
	}
	if err := client.WriteStream(s2, buf2); err != nil {
		t.Fatalf("write s2 failed: %v", err)
	}

	got1 := readExactly(t, client, s1, size)
	got2 := readExactly(t, client, s2, size)

	if !bytes.Equal(got1, buf1) {
		t.Fatal("stream 1 did not echo back its original buffer exactly")
	}
	if !bytes.Equal(got2, buf2) {
		t.Fatal("stream 2 did not echo back its original buffer exactly")
	}
}

func readExactly(t *testing.T, c *Client, id int64, n int) []byte {
	t.Helper()

	var out []byte
	deadline := time.Now().Add(10 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		data, _, err := c.ReadStream(id)
		if err != nil {
			t.Fatalf("read_stream(%d) failed: %v", id, err)
		}
		out = append(out, data...)
		if len(data) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(out) != n {
		t.Fatalf("stream %d: expected %d bytes, got %d", id, n, len(out))
	}
	return out
}
