// Package client implements the top-level Client of spec §3: the owner of
// a process's content store, handle registry, and stream set, and the
// client-level provisioning/auth state machine all streams depend on.
// It is grounded on the teacher's server-side stream registry
// (internal/rtmp/server/registry.go): a name-keyed map guarded by a
// RWMutex, with the same double-checked-locking CreateStream shape.
package client

import (
	"context"
	"log/slog"
	"sync"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
	"github.com/alxayo/go-kvs-producer/internal/kvs/service"
	"github.com/alxayo/go-kvs-producer/internal/kvs/state"
	"github.com/alxayo/go-kvs-producer/internal/kvs/store"
	"github.com/alxayo/go-kvs-producer/internal/kvs/stream"
)

// Config configures a Client.
type Config struct {
	// MaxStreams bounds the number of concurrently registered streams
	// (spec §7: ServiceCallStreamLimit). Zero means unbounded.
	MaxStreams int
	Store      store.Config
	Callbacks  service.Callbacks
	Notify     service.Notifications
}

// Client owns the content store, handle registry and stream set shared by
// every Stream it creates. Lock order (spec §5): streamListLock is always
// acquired before any individual Stream's own lock, and a Stream's lock is
// always acquired before this Client ever re-enters itself. CreateStream
// and DeleteStream hold streamListLock only for map bookkeeping
// (DeleteStream releases it before shutting the removed Stream down);
// Shutdown holds it while calling Shutdown on every Stream.
type Client struct {
	streamListLock sync.RWMutex
	streams        map[string]*stream.Stream

	heap    *store.Heap
	handles *handle.Registry
	cm      *state.ClientMachine

	cfg Config
	log *slog.Logger
}

// New constructs a Client backed by a fresh content store and handle
// registry, in ClientStateNew.
func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	regs := handle.New()
	return &Client{
		streams: make(map[string]*stream.Stream),
		heap:    store.New(cfg.Store, regs),
		handles: regs,
		cm:      state.NewClientMachine(),
		cfg:     cfg,
		log:     log,
	}
}

// Bootstrap advances the client-level state machine to Ready, the
// prerequisite every Stream's own handshake depends on (spec §3: "leaf
// streams cannot proceed past their own New state until the owning client
// machine reaches Ready").
func (c *Client) Bootstrap(ctx context.Context) error {
	c.streamListLock.Lock()
	defer c.streamListLock.Unlock()
	if err := c.cm.Transition(state.ClientStateProvisioning); err != nil {
		return err
	}
	if err := c.cm.Transition(state.ClientStateReady); err != nil {
		return err
	}
	if c.cfg.Notify != nil {
		c.cfg.Notify.OnClientReady()
	}
	return nil
}

// State reports the client-level state machine's current state.
func (c *Client) State() state.ClientState {
	c.streamListLock.RLock()
	defer c.streamListLock.RUnlock()
	return c.cm.Current()
}

// CreateStream registers a new Stream under name, or returns the existing
// one if name is already registered (ok reports whether a new Stream was
// created), mirroring the teacher registry's CreateStream double-checked
// locking.
func (c *Client) CreateStream(name string, scfg stream.Config) (*stream.Stream, bool, error) {
	if name == "" {
		return nil, false, kvserrors.NewKind(kvserrors.KindInvalidArgument, "client.CreateStream", nil)
	}

	c.streamListLock.RLock()
	if s, ok := c.streams[name]; ok {
		c.streamListLock.RUnlock()
		return s, false, nil
	}
	c.streamListLock.RUnlock()

	c.streamListLock.Lock()
	defer c.streamListLock.Unlock()
	if s, ok := c.streams[name]; ok {
		return s, false, nil
	}
	if c.cfg.MaxStreams > 0 && len(c.streams) >= c.cfg.MaxStreams {
		return nil, false, kvserrors.NewKind(kvserrors.KindServiceCallStreamLimit, "client.CreateStream", nil)
	}
	if c.cm.Current() != state.ClientStateReady {
		return nil, false, kvserrors.NewKind(kvserrors.KindInvalidStreamState, "client.CreateStream", nil)
	}

	scfg.Name = name
	s, err := stream.New(scfg, c.heap, c.log)
	if err != nil {
		return nil, false, err
	}
	c.streams[name] = s
	if c.cfg.Callbacks != nil {
		go c.driveHandshake(name, s)
	}
	return s, true, nil
}

// driveHandshake runs a stream's control-plane handshake to completion in
// the background, logging (rather than propagating) a terminal failure:
// CreateStream already returned the Stream to its caller, who observes
// readiness via Stream.State/Idle rather than a blocking call here.
func (c *Client) driveHandshake(name string, s *stream.Stream) {
	if err := s.RunHandshake(context.Background(), c.cfg.Callbacks); err != nil {
		c.log.Error("stream handshake failed", "stream", name, "err", err)
	}
}

// GetStream returns the Stream registered under name, if any.
func (c *Client) GetStream(name string) (*stream.Stream, bool) {
	c.streamListLock.RLock()
	defer c.streamListLock.RUnlock()
	s, ok := c.streams[name]
	return s, ok
}

// DeleteStream shuts down and unregisters the stream named name. It is a
// no-op if the stream does not exist.
func (c *Client) DeleteStream(name string) {
	c.streamListLock.Lock()
	s, ok := c.streams[name]
	if ok {
		delete(c.streams, name)
	}
	c.streamListLock.Unlock()

	if !ok {
		return
	}
	s.Shutdown()
	if c.cfg.Notify != nil {
		c.cfg.Notify.OnStreamShutdown(name)
	}
}

// StreamNames returns a snapshot of every currently registered stream
// name.
func (c *Client) StreamNames() []string {
	c.streamListLock.RLock()
	defer c.streamListLock.RUnlock()
	names := make([]string, 0, len(c.streams))
	for name := range c.streams {
		names = append(names, name)
	}
	return names
}

// Shutdown tears down every registered stream and moves the client-level
// machine to Stopped.
func (c *Client) Shutdown() {
	c.streamListLock.Lock()
	names := make([]string, 0, len(c.streams))
	for name, s := range c.streams {
		s.Shutdown()
		names = append(names, name)
	}
	c.streams = make(map[string]*stream.Stream)
	_ = c.cm.Transition(state.ClientStateStopping)
	_ = c.cm.Transition(state.ClientStateStopped)
	c.streamListLock.Unlock()

	if c.cfg.Notify != nil {
		for _, name := range names {
			c.cfg.Notify.OnStreamShutdown(name)
		}
		c.cfg.Notify.OnClientShutdown()
	}
}

// Heap exposes the client's shared content store, for hosts that need to
// report storage pressure (spec §7: StorageOverflowPressure) directly.
func (c *Client) Heap() *store.Heap { return c.heap }
