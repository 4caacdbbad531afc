package engine

// connectionStep advances the connection state machine one step (or, if
// blockable, until the connection attempt resolves). Lock held; the
// caller holds a counted reference. Callers re-read the state afterward
// and proceed based on what they find.
func (c *Channel) connectionStep(blockable bool) {
	for {
		switch c.state {
		case StateConnecting:
			if !blockable {
				return // the worker moves the state when the completion lands
			}
			c.awaitConnectCompletion()

		case StateConnectRetry:
			if blockable {
				if err := c.ops.BlockingConnect(c); err != nil {
					c.lastErr = err
					c.state = StateConnectFailed
					c.flags |= FlagRemoteEOF
				} else {
					c.state = StateConnected
				}
				c.requestEventPoll()
				continue
			}
			if err := c.ops.ConnectFailed(c); err != nil {
				// Address list exhausted.
				c.lastErr = err
				c.state = StateConnectFailed
				c.flags |= FlagRemoteEOF
			} else {
				c.state = StateConnecting
			}
			return

		case StateConnected:
			c.exitConnectedState()
			if !blockable {
				return
			}

		default:
			return
		}
		if !c.state.connectionInProgress() {
			return
		}
	}
}

// awaitConnectCompletion parks the caller on the condition variable until
// the completion worker resolves the in-flight connect. Lock held.
func (c *Channel) awaitConnectCompletion() {
	for c.state == StateConnecting {
		c.flags |= FlagBlockedConnect
		c.cond.Wait()
	}
}

// exitConnectedState runs the family connected hook and settles the
// channel into open or disconnected. Either way write notification is
// armed and a local event poll is requested. Lock held.
func (c *Channel) exitConnectedState() {
	if err := c.ops.Connected(c); err != nil {
		c.lastErr = err
		c.state = StateDisconnected
	} else {
		c.state = StateOpen
		c.lastErr = nil
		// Failure to post initial reads is tolerated here; the first
		// blocking input call retries and surfaces the error (a
		// non-blocking call with nothing queued returns would-block
		// without posting).
		_ = c.postReads()
	}
	c.flags |= FlagNotifyWrites
	c.requestEventPoll()
}
