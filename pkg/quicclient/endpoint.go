// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicclient

import (
	"fmt"
	"net"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// rcvBufSize is the socket receive buffer we ask the kernel for right
// after dialing, before quic-go takes the connection over, large
// enough to absorb a burst of datagrams without the kernel dropping them before quic-go drains
// the socket on its own goroutine.
const rcvBufSize = 4 << 20

// endpointIdentity describes what the connection dials and what it
// verifies, per spec.md §3 "Endpoint Identity".
type endpointIdentity struct {
	hostForTLS      string
	connectAddress  string
	port            int
	resolvedAddress string
}

// resolveUDPAddr turns connectAddress:port into a dialable *net.UDPAddr.
//
// We resolve with a miekg/dns client rather than net.Resolver so the
// split between host_for_tls (used for SNI/verification) and
// connect_address (used to reach the wire) stays exact: net.Resolver
// would otherwise silently consult /etc/hosts and other local
// overrides we have no way to audit when the two names diverge.
func resolveUDPAddr(connectAddress string, port int) (*net.UDPAddr, error) {
	if ip := net.ParseIP(connectAddress); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}

	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		log.WithError(err).Debug("falling back to system resolver for host lookup")
		return resolveUDPAddrStdlib(connectAddress, port)
	}

	client := new(dns.Client)
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(connectAddress), dns.TypeA)

	var merr *multierror.Error
	for _, server := range cfg.Servers {
		addr := net.JoinHostPort(server, cfg.Port)
		resp, _, err := client.Exchange(msg, addr)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("dns server %s: %w", server, err))
			continue
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				return &net.UDPAddr{IP: a.A, Port: port}, nil
			}
		}
	}

	if merr != nil {
		log.WithError(merr).Debug("miekg/dns resolution failed on every configured server, falling back")
	}
	return resolveUDPAddrStdlib(connectAddress, port)
}

func resolveUDPAddrStdlib(connectAddress string, port int) (*net.UDPAddr, error) {
	ips, err := net.LookupIP(connectAddress)
	if err != nil {
		return nil, resolutionErr(fmt.Sprintf("failed to resolve %q", connectAddress), err)
	}
	for _, ip := range ips {
		if ip.To4() != nil || ip.To16() != nil {
			return &net.UDPAddr{IP: ip, Port: port}, nil
		}
	}
	return nil, resolutionErr(fmt.Sprintf("no usable address for %q", connectAddress), nil)
}

// dialUDP resolves and connects a UDP socket, returning the
// connection plus the textual resolved address spec.md §3 wants
// captured for diagnostics (last_resolved_address).
func dialUDP(connectAddress string, port int) (*net.UDPConn, string, error) {
	addr, err := resolveUDPAddr(connectAddress, port)
	if err != nil {
		return nil, "", err
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, "", socketErr("failed to create/connect UDP socket", err)
	}

	tuneReceiveBuffer(conn)

	resolved := net.JoinHostPort(addr.IP.String(), strconv.Itoa(port))
	log.WithFields(log.Fields{
		"connect_address": connectAddress,
		"resolved":        resolved,
	}).Debug("dialed UDP endpoint")

	return conn, resolved, nil
}

// tuneReceiveBuffer raises SO_RCVBUF on the raw socket underlying
// conn. Best-effort: a failure here is not fatal to the connection,
// just a missed optimization, so we log and move on.
func tuneReceiveBuffer(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		log.WithError(err).Debug("could not obtain raw UDP socket for tuning")
		return
	}

	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufSize); err != nil {
			log.WithError(err).Debug("SO_RCVBUF tuning failed")
		}
	})
	if ctrlErr != nil {
		log.WithError(ctrlErr).Debug("raw socket control failed during tuning")
	}
}
