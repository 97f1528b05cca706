package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"batchhmi/logging"
	"batchhmi/tag"
)

// DefaultTimeout bounds a single Live call.
const DefaultTimeout = 2 * time.Second

// Transport is the typed tag I/O primitive a Live provider drives. It owns one
// connection-scoped handle and is not required to be re-entrant.
type Transport interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, addr tag.Address) (tag.Value, error)
	ReadRange(ctx context.Context, base tag.Address, start, count int) ([]tag.Value, error)
	Write(ctx context.Context, addr tag.Address, v tag.Value) error
	Close() error
}

// Live performs one blocking round trip per call against a Transport.
// Calls are serialised and bounded by the timeout. When a call times out the
// transport is closed under it, so the stalled round trip returns and the
// next call reconnects. There is no retry inside a call.
type Live struct {
	transport Transport
	timeout   time.Duration
	sem       chan struct{}
	connected atomic.Bool
	closed    atomic.Bool
}

// NewLive creates a Live provider. The connection is opened lazily.
func NewLive(t Transport, timeout time.Duration) *Live {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Live{
		transport: t,
		timeout:   timeout,
		sem:       make(chan struct{}, 1),
	}
}

func (l *Live) Mode() Mode { return ModeLive }

// Probe reads a well-known tag once to check connectivity.
func (l *Live) Probe(ctx context.Context, addr tag.Address) error {
	_, err := l.Read(ctx, addr)
	if err != nil {
		logging.DebugLog("plc", "probe %s failed: %v", addr, err)
		return err
	}
	logging.DebugLog("plc", "probe %s ok", addr)
	return nil
}

func (l *Live) Read(ctx context.Context, addr tag.Address) (tag.Value, error) {
	var v tag.Value
	err := l.call(ctx, addr.String(), func(ctx context.Context) error {
		var err error
		v, err = l.transport.Read(ctx, addr)
		if err == nil {
			v, err = tag.Coerce(v, addr.Kind)
		}
		return err
	})
	if err != nil {
		return tag.ErrorValue(KindOf(err)), err
	}
	return v, nil
}

func (l *Live) ReadRange(ctx context.Context, base tag.Address, start, count int) ([]tag.Value, error) {
	var vals []tag.Value
	err := l.call(ctx, tag.ElementName(base.Name, start), func(ctx context.Context) error {
		var err error
		vals, err = l.transport.ReadRange(ctx, base, start, count)
		return err
	})
	return vals, err
}

func (l *Live) Write(ctx context.Context, addr tag.Address, v tag.Value) error {
	if err := tag.CheckWrite(addr, v); err != nil {
		return wrap(addr.String(), err)
	}
	return l.call(ctx, addr.String(), func(ctx context.Context) error {
		return l.transport.Write(ctx, addr, v)
	})
}

// Close tears down the transport handle. It waits up to the call timeout for
// an in-flight round trip to finish first.
func (l *Live) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.connected.Store(false)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-timer.C:
		logging.DebugLog("plc", "closing transport with a call still in flight after %v", l.timeout)
	}
	return l.transport.Close()
}

func (l *Live) call(ctx context.Context, name string, fn func(context.Context) error) error {
	if l.closed.Load() {
		return &PlcError{Kind: tag.ErrorUnreachable, Tag: name, Err: errors.New("provider closed")}
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return &PlcError{Kind: tag.ErrorTimeout, Tag: name, Err: errors.New("transport busy")}
	}

	done := make(chan error, 1)
	go func() {
		if !l.connected.Load() {
			if err := l.transport.Connect(ctx); err != nil {
				done <- &PlcError{Kind: tag.ErrorUnreachable, Err: err}
				return
			}
			l.connected.Store(true)
			logging.DebugLog("plc", "transport connected")
		}
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		<-l.sem
		if err == nil {
			return nil
		}
		err = wrap(name, err)
		if k := KindOf(err); k == tag.ErrorUnreachable || k == tag.ErrorTimeout {
			// Reopen the handle on the next call.
			l.connected.Store(false)
		}
		logging.DebugLog("plc", "%v", err)
		return err
	case <-ctx.Done():
		l.connected.Store(false)
		logging.DebugLog("plc", "%s timed out after %v, dropping connection", name, l.timeout)
		// The semaphore stays held until the stalled round trip has returned,
		// so the next call cannot reconnect underneath the Close.
		go func() {
			if err := l.transport.Close(); err != nil {
				logging.DebugLog("plc", "close after timeout: %v", err)
			}
			<-done
			<-l.sem
		}()
		return &PlcError{Kind: tag.ErrorTimeout, Tag: name, Err: ctx.Err()}
	}
}
