package tcpchan

import (
	"fmt"
	"strconv"

	"github.com/orizon-lang/chanport/internal/engine"
)

// Client option indices. The slice order is the wire order of
// OptionNames and must match.
const (
	optConnectionState = iota
	optKeepAlive
	optMaxPendingReads
	optMaxPendingWrites
	optNoDelay
	optPeerName
	optSoBuf
	optSockName
)

var connOptionNames = []string{
	"-connectionstate",
	"-keepalive",
	"-maxpendingreads",
	"-maxpendingwrites",
	"-nodelay",
	"-peername",
	"-sobuf",
	"-sockname",
}

func (t *Conn) OptionNames() []string { return connOptionNames }

func (t *Conn) GetOption(c *engine.Channel, index int) (string, error) {
	switch index {
	case optConnectionState:
		return c.State().String(), nil
	case optKeepAlive:
		return boolOpt(t.keepAlive), nil
	case optMaxPendingReads:
		return strconv.Itoa(c.MaxPendingReads()), nil
	case optMaxPendingWrites:
		return strconv.Itoa(c.MaxPendingWrites()), nil
	case optNoDelay:
		return boolOpt(t.noDelay), nil
	case optPeerName:
		if t.conn == nil {
			return "", engine.ErrNotConnected
		}
		return t.conn.RemoteAddr().String(), nil
	case optSoBuf:
		return strconv.Itoa(t.sobuf), nil
	case optSockName:
		if t.conn == nil {
			return "", engine.ErrNotConnected
		}
		return t.conn.LocalAddr().String(), nil
	}
	return "", fmt.Errorf("bad option index %d", index)
}

func (t *Conn) SetOption(c *engine.Channel, index int, value string) error {
	switch index {
	case optKeepAlive:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("expected boolean value but got %q", value)
		}
		t.keepAlive = b
	case optMaxPendingReads:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("expected positive integer but got %q", value)
		}
		c.SetMaxPendingReads(n)
		return nil
	case optMaxPendingWrites:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("expected positive integer but got %q", value)
		}
		c.SetMaxPendingWrites(n)
		return nil
	case optNoDelay:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("expected boolean value but got %q", value)
		}
		t.noDelay = b
	case optSoBuf:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("expected non-negative integer but got %q", value)
		}
		t.sobuf = n
	default:
		return fmt.Errorf("option index %d is read-only", index)
	}
	if t.conn != nil {
		t.applySockOpts()
	}
	return nil
}

// Listener option indices.
const (
	loptKeepAlive = iota
	loptMaxPendingAccepts
	loptNoDelay
	loptSockName
)

var listenerOptionNames = []string{
	"-keepalive",
	"-maxpendingaccepts",
	"-nodelay",
	"-sockname",
}

func (l *Listener) OptionNames() []string { return listenerOptionNames }

func (l *Listener) GetOption(c *engine.Channel, index int) (string, error) {
	switch index {
	case loptKeepAlive:
		return boolOpt(l.keepAlive), nil
	case loptMaxPendingAccepts:
		return strconv.Itoa(l.maxPendingAccepts), nil
	case loptNoDelay:
		return boolOpt(l.noDelay), nil
	case loptSockName:
		if l.ln == nil {
			return "", engine.ErrNotConnected
		}
		return l.ln.Addr().String(), nil
	}
	return "", fmt.Errorf("bad option index %d", index)
}

func (l *Listener) SetOption(c *engine.Channel, index int, value string) error {
	switch index {
	case loptKeepAlive:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("expected boolean value but got %q", value)
		}
		l.keepAlive = b
	case loptMaxPendingAccepts:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("expected positive integer but got %q", value)
		}
		l.maxPendingAccepts = n
		if c.State() == engine.StateListening {
			l.postAccepts()
		}
	case loptNoDelay:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("expected boolean value but got %q", value)
		}
		l.noDelay = b
	default:
		return fmt.Errorf("option index %d is read-only", index)
	}
	return nil
}

func boolOpt(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
