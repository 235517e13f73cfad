package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/signal"
	"meshcall/pkg/retry"

	"go.uber.org/zap"
)

// watcher prints presence changes of one group call. It never writes to the
// store.
type watcher struct {
	presence *services.PresenceRegistry
	groupID  domain.GroupID
	asJSON   bool
	log      *zap.SugaredLogger

	mu     sync.Mutex
	out    io.Writer
	roster map[domain.UserID]domain.Participant
}

type watchLine struct {
	Event       string                 `json:"event"`
	GroupID     domain.GroupID         `json:"group_id"`
	Participant signal.WireParticipant `json:"participant"`
	Present     int                    `json:"present"`
	At          time.Time              `json:"at"`
}

func newWatcher(store ports.DocumentStore, groupID domain.GroupID, out io.Writer, asJSON bool, log *zap.SugaredLogger) *watcher {
	return &watcher{
		presence: services.NewPresenceRegistry(store, groupID, retry.DefaultConfig(), log),
		groupID:  groupID,
		asJSON:   asJSON,
		log:      log,
		out:      out,
		roster:   make(map[domain.UserID]domain.Participant),
	}
}

// Run blocks until ctx is done or the subscription fails.
func (w *watcher) Run(ctx context.Context) error {
	failed := make(chan error, 1)
	sub, err := w.presence.Subscribe(ctx, services.PresenceHandlers{
		OnAdded:    func(p domain.Participant) { w.print("joined", p) },
		OnModified: func(p domain.Participant) { w.print("updated", p) },
		OnRemoved:  func(p domain.Participant) { w.print("left", p) },
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer sub.Stop()

	w.log.Infow("watching call", "group_id", w.groupID)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-failed:
		return err
	}
}

func (w *watcher) print(event string, p domain.Participant) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event == "left" {
		delete(w.roster, p.ID)
	} else {
		w.roster[p.ID] = p
	}

	line := watchLine{
		Event:       event,
		GroupID:     w.groupID,
		Participant: signal.NewWireParticipant(p),
		Present:     len(w.roster),
		At:          time.Now(),
	}
	if w.asJSON {
		if err := json.NewEncoder(w.out).Encode(line); err != nil {
			w.log.Warnw("write failed", "error", err)
		}
		return
	}

	var flags []string
	if p.IsMuted {
		flags = append(flags, "muted")
	}
	if p.IsVideoOff {
		flags = append(flags, "video off")
	}
	name := p.DisplayName
	if name == "" {
		name = string(p.ID)
	}
	fmt.Fprintf(w.out, "%s %-7s %s (%s) [%s] present=%d\n",
		line.At.Format(time.RFC3339), event, name, p.ID, strings.Join(flags, ", "), line.Present)
}
