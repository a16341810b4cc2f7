package relay

import (
	"context"
	"log/slog"

	"github.com/codewiresh/chatrelay/internal/store"
)

// recorderBuffer absorbs bursts while the database is busy.
const recorderBuffer = 256

// Recorder persists presence changes and status reports from the event
// fanout. It runs on its own goroutine so sessions never wait on the
// database; chat events are not stored.
type Recorder struct {
	st     store.Store
	events <-chan Event
	stop   func()
}

// NewRecorder subscribes to f immediately, so events published before Run
// starts are not missed.
func NewRecorder(st store.Store, f *Fanout) *Recorder {
	events, stop := f.Subscribe(recorderBuffer)
	return &Recorder{st: st, events: events, stop: stop}
}

// Run records events until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	defer r.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			if err := r.record(ctx, ev); err != nil {
				slog.Warn("recording event", "kind", ev.Kind(), "err", err)
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case ConnectedEvent:
		return r.st.PeerConnected(ctx, store.PeerRecord{
			Fingerprint:     e.Fingerprint,
			Name:            e.Peer,
			RemoteAddr:      e.RemoteAddr,
			SessionID:       e.SessionID,
			LastConnectedAt: e.At,
		})
	case DisconnectedEvent:
		return r.st.PeerDisconnected(ctx, e.Fingerprint, e.SessionID, e.At)
	case StatusEvent:
		return r.st.StatusSave(ctx, store.StatusRecord{
			Fingerprint: e.Fingerprint,
			Name:        e.Peer,
			TPS:         e.Report.TPS,
			Players:     e.Report.Players,
			MaxPlayers:  e.Report.MaxPlayers,
			Uptime:      e.Report.Uptime,
			PlayerNames: e.Report.PlayerNames,
			Version:     e.Report.Version,
			ReportedAt:  e.At,
		})
	}
	return nil
}
