package controller

import (
	"context"
	"fmt"

	"sercon/internal/capability"
	"sercon/internal/errors"
	"sercon/internal/session"
)

// Everything in this file runs on the event loop.

func (c *Controller) connect() error {
	if c.currentPhase() != Idle {
		return nil
	}
	if !c.available {
		c.logger.Verbose("connect ignored: %v", errors.ErrUnavailable)
		return nil
	}

	baud := c.currentBaud()
	c.setPhase(Connecting)
	c.out.Append(msgWaiting)

	c.attempt++
	attempt := c.attempt
	ctx, cancel := context.WithCancel(c.runCtx)
	c.cancelOpen = cancel

	go func() {
		sess, err := session.Open(ctx, c.cap, baud, c.sessOpts)
		delivered := c.post(func() { c.onOpened(attempt, sess, err) })
		if !delivered && sess != nil {
			sess.Teardown(context.Background())
		}
	}()
	return nil
}

func (c *Controller) onOpened(attempt uint64, sess *session.Session, err error) {
	if attempt != c.attempt || c.currentPhase() != Connecting {
		// Abandoned by Disconnect while the user was choosing. The
		// session was never announced, so it leaves no notice either.
		if sess != nil {
			c.logger.Verbose("discarding session opened after disconnect: %s", sess.Device().Path)
			sess.Teardown(c.runCtx)
		}
		return
	}
	c.cancelOpen()
	c.cancelOpen = nil

	if err != nil {
		c.setPhase(Idle)
		if errors.IsCancelled(err) {
			c.out.Append(msgNotSelected)
			return
		}
		c.logger.Warn("open failed: %v", err)
		c.metrics.OpenFailed()
		c.report(err)
		return
	}

	c.sess = sess
	dev := sess.Device()
	c.mu.Lock()
	c.dev = dev
	c.phase = Connected
	c.mu.Unlock()
	c.changed()

	c.logger.Info("connected to %s at %d baud", dev, sess.Baud())
	c.out.Append(fmt.Sprintf(msgConnectedFmt, sess.Baud()))
	c.out.Append(msgReading)

	go func() {
		res := sess.ReadLoop(c.runCtx, c.out)
		c.post(func() { c.onReadEnded(sess, res) })
	}()
}

func (c *Controller) onReadEnded(sess *session.Session, res session.Result) {
	if sess != c.sess {
		return
	}
	c.logger.Verbose("read loop ended: %s", res.Outcome)

	switch res.Outcome {
	case session.EndOfStream:
		c.teardown()
	case session.Fault:
		// Under the report policy only terminal faults get here.
		c.report(errors.Cause(res.Err))
		if capability.IsDisconnect(res.Err) {
			c.lose()
			return
		}
		c.teardown()
	default:
		// Stopped or cancelled without a teardown in progress.
		c.teardown()
	}
}

func (c *Controller) disconnect() error {
	switch c.currentPhase() {
	case Connecting:
		c.logger.Verbose("abandoning connection attempt")
		c.attempt++
		if c.cancelOpen != nil {
			c.cancelOpen()
			c.cancelOpen = nil
		}
		c.setPhase(Idle)
	case Connected:
		c.sess.Stop()
		c.teardown()
	}
	return nil
}

func (c *Controller) send(text string) error {
	if c.sess == nil {
		return nil
	}
	err := c.sess.Send(text + c.terminator)
	c.history.Record(text)
	c.ClearInput()
	if err != nil {
		c.report(errors.Cause(err))
		return err
	}
	return nil
}

func (c *Controller) onDevice(ev capability.Event) {
	c.logger.Verbose("device %s: %s", ev.Kind, ev.Path)
	switch ev.Kind {
	case capability.EventDisconnected:
		if c.sess == nil || c.currentPhase() != Connected {
			return
		}
		if ev.Path != "" && ev.Path != c.sess.Device().Path {
			return
		}
		c.lose()
	case capability.EventConnected:
		c.out.Append(msgReset)
	}
}

// lose tears down after the device went away.
func (c *Controller) lose() {
	if c.teardown() {
		c.metrics.ConnectionLost()
		c.out.Append(msgLost)
	}
}

// teardown releases the current session and appends the disconnect
// notice. It reports false when there was no session.
func (c *Controller) teardown() bool {
	sess := c.sess
	if sess == nil {
		return false
	}
	c.setPhase(Disconnecting)
	sess.Teardown(c.runCtx)
	c.sess = nil

	c.mu.Lock()
	c.dev = capability.Info{}
	c.phase = Idle
	c.mu.Unlock()
	c.changed()

	c.logger.Info("disconnected from %s", sess.Device().Path)
	c.out.Append(msgDisconnected)
	return true
}
