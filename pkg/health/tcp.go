package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes data sources that speak a binary protocol, such as
// a database listener, by opening and immediately closing a connection.
type TCPChecker struct {
	// Address in host:port form, e.g. "pg-main:5432".
	Address string

	Timeout time.Duration
}

// NewTCPChecker probes address with a 5 second dial timeout.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check dials once. The dial is bounded by both the checker timeout and
// the context deadline, whichever is sooner.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	d := &net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return resultAt(start, false, fmt.Sprintf("connection failed: %v", err))
	}
	_ = conn.Close()

	return resultAt(start, true, "listener up at "+t.Address)
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout overrides the dial timeout.
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
