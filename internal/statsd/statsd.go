// Package statsd is a best-effort StatsD counter client over UDP. No other
// package of chronosd creates a Client, so no counters are sent.
// Shaped after the teacher's statsif/statsdC fields (a small interface plus
// a best-effort UDP client), generalized to Chronos's own counters rather
// than AIStore's byte/request statistics.
package statsd

import (
	"fmt"
	"net"

	"github.com/golang/glog"
)

type Client struct {
	conn   net.Conn
	prefix string
}

// New dials the given StatsD server address. A failed dial is not fatal -
// Count becomes a no-op, matching the original's tolerance of the
// collector being unreachable.
func New(addr, prefix string) *Client {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		glog.Warningf("statsd: could not dial %s: %v", addr, err)
		return &Client{prefix: prefix}
	}
	return &Client{conn: conn, prefix: prefix}
}

func (c *Client) Count(name string, delta int) {
	if c.conn == nil {
		return
	}
	msg := fmt.Sprintf("%s.%s:%d|c", c.prefix, name, delta)
	if _, err := c.conn.Write([]byte(msg)); err != nil {
		glog.V(3).Infof("statsd: write failed: %v", err)
	}
}
