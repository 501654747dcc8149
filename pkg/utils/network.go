// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapload/pkg/logger"
)

// MinUploadThroughput is the slowest sustained transfer, in bytes per
// second, a connection may fall to before its deadline fires.
const MinUploadThroughput = 4096

// Listener hands out connections that enforce an idle timeout which grows
// with the bytes transferred, so large chunk bodies are not cut off while
// stalled clients are.
type Listener struct {
	net.Listener
	Timeout time.Duration
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c, Timeout: l.Timeout}, nil
}

// Conn sets a deadline before every read and write.
type Conn struct {
	net.Conn
	Timeout time.Duration
	read    int64
	written int64
}

// ThroughputDeadline is base scaled by one step per base*MinUploadThroughput
// bytes already moved.
func ThroughputDeadline(base time.Duration, moved int64) time.Duration {
	perStep := int64(base.Seconds() * MinUploadThroughput)
	if perStep <= 0 {
		perStep = 1
	}
	return base * time.Duration(moved/perStep+1)
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(ThroughputDeadline(c.Timeout, c.read))); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Read(b)
	c.read += int64(n)
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(ThroughputDeadline(c.Timeout, c.written))); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Write(b)
	c.written += int64(n)
	return n, err
}

// NewListener listens on addr. A zero timeout disables deadlines.
func NewListener(addr string, timeout time.Duration) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l, Timeout: timeout}, nil
}

// DetectedHostAddress returns the first non-loopback address of an up
// interface, preferring IPv4.
func DetectedHostAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Debug().Err(err).Msg("failed to list network interfaces")
		return ""
	}
	if addr := firstAddress(ifaces, true); addr != "" {
		return addr
	}
	if addr := firstAddress(ifaces, false); addr != "" {
		return addr
	}
	return "localhost"
}

func firstAddress(ifaces []net.Interface, v4 bool) string {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			ip := ipNet.IP
			switch {
			case v4 && ip.To4() != nil:
				return ip.String()
			case !v4 && ip.To4() == nil && !ip.IsLinkLocalUnicast():
				return ip.String()
			}
		}
	}
	return ""
}

func JoinHostPort(host string, port int) string {
	p := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + p
	}
	return net.JoinHostPort(host, p)
}
