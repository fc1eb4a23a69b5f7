package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// Maintenance runs a Client's two background housekeeping duties: a cron
// schedule that reaps idle streams, and an fsnotify watch that hot-reloads
// codec private data from disk. Grounded on the teacher pack's n-backup
// agent scheduler (one cron.Cron, AddFunc per job) and linkerd's
// credswatcher (one watcher, Events/Errors select loop per watched path).
type Maintenance struct {
	client *Client

	cron *cron.Cron

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	watches map[string]codecWatch // directory -> target
	cancel  context.CancelFunc
}

type codecWatch struct {
	streamName string
	trackID    uint64
	file       string
}

// NewMaintenance builds a Maintenance bound to client, with no jobs or
// watches registered yet.
func NewMaintenance(client *Client) *Maintenance {
	return &Maintenance{
		client:  client,
		cron:    cron.New(),
		watches: make(map[string]codecWatch),
	}
}

// ScheduleReap registers a cron job (standard five-field expression, e.g.
// "@every 30s") that removes every Idle stream from the client's registry.
func (m *Maintenance) ScheduleReap(spec string) error {
	_, err := m.cron.AddFunc(spec, m.reapIdleStreams)
	return err
}

func (m *Maintenance) reapIdleStreams() {
	for _, name := range m.client.StreamNames() {
		s, ok := m.client.GetStream(name)
		if !ok || !s.Idle() {
			continue
		}
		m.client.DeleteStream(name)
	}
}

// Start begins running scheduled cron jobs. It does not block.
func (m *Maintenance) Start() { m.cron.Start() }

// Stop halts cron scheduling and the codec-private-data watcher, if any.
// It blocks until in-flight cron jobs finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.watchMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
	m.watchMu.Unlock()
}

// WatchCodecPrivateData watches the directory containing file for writes,
// reloading it into streamName's trackID codec private data on every
// change (spec's supplemented feature: hosts that renegotiate SPS/PPS
// out-of-band drop the new data at a well-known path instead of
// restarting the stream). The stream's generator rejects the reload while
// a PutStream is actively in flight, which is surfaced as a log line, not
// an error, since this is a best-effort background watch.
func (m *Maintenance) WatchCodecPrivateData(ctx context.Context, streamName string, trackID uint64, file string) error {
	m.watchMu.Lock()

	if m.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.watchMu.Unlock()
			return err
		}
		watchCtx, cancel := context.WithCancel(ctx)
		m.watcher = w
		m.cancel = cancel
		go m.watchLoop(watchCtx)
	}

	dir := filepath.Dir(file)
	if _, already := m.watches[dir]; !already {
		if err := m.watcher.Add(dir); err != nil {
			m.watchMu.Unlock()
			return err
		}
	}
	m.watches[dir] = codecWatch{streamName: streamName, trackID: trackID, file: file}
	m.watchMu.Unlock()

	// Load the current contents immediately, so the track has private data
	// before the first write event ever fires.
	m.reloadCodecFile(file)
	return nil
}

func (m *Maintenance) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.watchMu.Lock()
			w, tracked := m.watches[filepath.Dir(ev.Name)]
			m.watchMu.Unlock()
			if !tracked || filepath.Clean(ev.Name) != filepath.Clean(w.file) {
				continue
			}
			m.reloadCodecFile(w.file)
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Maintenance) reloadCodecFile(file string) {
	m.watchMu.Lock()
	w, ok := m.watches[filepath.Dir(file)]
	m.watchMu.Unlock()
	if !ok {
		return
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return
	}
	s, ok := m.client.GetStream(w.streamName)
	if !ok {
		return
	}
	if err := s.SetCodecPrivateData(w.trackID, data); err != nil {
		m.client.log.Warn("codec private data reload rejected", "stream", w.streamName, "track", w.trackID, "err", err)
	}
}
