// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicclient

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

const (
	envCAFile = "MQTT_QUIC_CA_FILE"
	envCAPath = "MQTT_QUIC_CA_PATH"
)

// tlsSession builds and owns the client TLS 1.3 context used for the
// QUIC handshake. It is consulted only by the protocol engine's
// crypto callbacks during handshake and key update; it is never used
// for application data directly.
type tlsSession struct {
	mu     sync.Mutex
	config *tls.Config

	caFile  string
	watcher *fsnotify.Watcher
}

// newTLSSession builds a client TLS 1.3 config for hostForTLS/alpn,
// resolving CA trust as loadTrustPool does: explicit file, then
// explicit directory, and the system pool only when neither is set.
func newTLSSession(hostForTLS, alpn string) (*tlsSession, error) {
	pool, caFile, err := loadTrustPool()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		ServerName: hostForTLS,
		NextProtos: []string{alpn},
		MinVersion: tls.VersionTLS13,
		RootCAs:    pool,
	}

	s := &tlsSession{config: cfg, caFile: caFile}
	if caFile != "" {
		s.watchCAFile(caFile)
	}
	return s, nil
}

// loadTrustPool tries each configured CA source in order, folding
// every failed attempt into a multierror so the final TLSInitError
// ("Failed to load CA bundle") reports exactly what was tried.
//
// An explicitly configured source (MQTT_QUIC_CA_FILE or
// MQTT_QUIC_CA_PATH) is authoritative: if it fails to yield a usable
// trust anchor, that is a hard failure and the system pool is never
// consulted as a fallback. The system pool is only tried when the
// caller configured neither — matching the original ngtcp2_jni
// behavior, which aborts the moment an explicitly-configured source
// fails to load.
func loadTrustPool() (*x509.CertPool, string, error) {
	caFile := os.Getenv(envCAFile)
	caPath := os.Getenv(envCAPath)

	if caFile == "" && caPath == "" {
		if pool, err := x509.SystemCertPool(); err == nil && pool != nil {
			return pool, "", nil
		} else if err != nil {
			return nil, "", tlsInitErr("Failed to load CA bundle", err)
		}
		return nil, "", tlsInitErr("Failed to load CA bundle", nil)
	}

	var merr *multierror.Error

	if caFile != "" {
		pool, err := poolFromFile(caFile)
		if err == nil {
			return pool, caFile, nil
		}
		merr = multierror.Append(merr, err)
	}

	if caPath != "" {
		pool, err := poolFromDir(caPath)
		if err == nil {
			return pool, "", nil
		}
		merr = multierror.Append(merr, err)
	}

	return nil, "", tlsInitErr("Failed to load CA bundle", merr.ErrorOrNil())
}

func poolFromFile(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errNoValidCerts(path)
	}
	return pool, nil
}

func poolFromDir(dir string) (*x509.CertPool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	found := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pem, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if pool.AppendCertsFromPEM(pem) {
			found = true
		}
	}
	if !found {
		return nil, errNoValidCerts(dir)
	}
	return pool, nil
}

func errNoValidCerts(path string) error {
	return tlsInitErr("no valid certificates found at "+path, nil)
}

// watchCAFile starts an fsnotify watch on the explicit CA file so a
// rotated bundle is swapped into the session's config. tlsConfig hands
// out a clone, so a reload reaches only clones taken after it; a
// connection already dialed keeps the pool it was dialed with.
// Best-effort: if the watcher cannot be established, the session
// still functions with the trust pool it loaded at startup.
func (s *tlsSession) watchCAFile(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Debug("could not start CA file watcher")
		return
	}

	if err := watcher.Add(path); err != nil {
		log.WithError(err).WithField("file", path).Debug("could not watch CA file")
		_ = watcher.Close()
		return
	}

	s.watcher = watcher
	go s.watchLoop()
}

func (s *tlsSession) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reloadCAFile()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Debug("CA file watcher error")
		}
	}
}

func (s *tlsSession) reloadCAFile() {
	pool, err := poolFromFile(s.caFile)
	if err != nil {
		log.WithError(err).WithField("file", s.caFile).Warn("CA bundle reload failed, keeping previous trust pool")
		return
	}

	s.mu.Lock()
	s.config.RootCAs = pool
	s.mu.Unlock()

	log.WithField("file", s.caFile).Info("reloaded CA bundle")
}

// tlsConfig returns a snapshot suitable for passing to quic-go's
// dialer. quic-go clones the config internally per dial, so a
// concurrent reload racing a dial in progress cannot corrupt either.
func (s *tlsSession) tlsConfig() *tls.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

func (s *tlsSession) close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}
