package services

import (
	"context"
	"fmt"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/retry"
	"meshcall/pkg/utils"

	"go.uber.org/zap"
)

// PresenceHandlers receive participant changes. Nil handlers are skipped.
type PresenceHandlers struct {
	OnAdded    func(domain.Participant)
	OnModified func(domain.Participant)
	OnRemoved  func(domain.Participant)
	OnError    func(error)
}

// PresenceRegistry owns the participants collection of one group call.
type PresenceRegistry struct {
	store   ports.DocumentStore
	groupID domain.GroupID
	retry   retry.Config
	logger  *zap.SugaredLogger
}

func NewPresenceRegistry(store ports.DocumentStore, groupID domain.GroupID, retryCfg retry.Config, logger *zap.SugaredLogger) *PresenceRegistry {
	return &PresenceRegistry{
		store:   store,
		groupID: groupID,
		retry:   retryCfg,
		logger:  logger,
	}
}

// Join writes the participant document, replacing any stale copy. joinedAt
// is taken from the store clock.
func (r *PresenceRegistry) Join(ctx context.Context, p domain.Participant) error {
	data := map[string]interface{}{
		fieldID:          string(p.ID),
		fieldDisplayName: p.DisplayName,
		fieldPhotoURL:    p.PhotoURL,
		fieldIsMuted:     p.IsMuted,
		fieldIsVideoOff:  p.IsVideoOff,
		fieldJoinedAt:    ports.ServerTimestamp,
	}
	path := participantPath(r.groupID, p.ID)
	if err := retry.Retry(ctx, r.retry, func() error {
		return r.store.Set(ctx, path, data)
	}); err != nil {
		return fmt.Errorf("join presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) UpdateSelf(ctx context.Context, id domain.UserID, upd domain.ParticipantUpdate) error {
	if upd.Empty() {
		return nil
	}
	data := make(map[string]interface{}, 2)
	if upd.IsMuted != nil {
		data[fieldIsMuted] = *upd.IsMuted
	}
	if upd.IsVideoOff != nil {
		data[fieldIsVideoOff] = *upd.IsVideoOff
	}
	path := participantPath(r.groupID, id)
	if err := retry.Retry(ctx, r.retry, func() error {
		return r.store.Merge(ctx, path, data)
	}); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) Leave(ctx context.Context, id domain.UserID) error {
	path := participantPath(r.groupID, id)
	if err := retry.Retry(ctx, r.retry, func() error {
		return r.store.Delete(ctx, path)
	}); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return nil
}

// List returns the current participants ordered by join time.
func (r *PresenceRegistry) List(ctx context.Context) ([]domain.Participant, error) {
	docs, err := r.store.List(ctx, r.query())
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]domain.Participant, 0, len(docs))
	for _, doc := range docs {
		p, err := decodeParticipant(doc)
		if err != nil {
			r.logger.Warnw("skipping malformed participant", "doc_id", doc.ID, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *PresenceRegistry) Subscribe(ctx context.Context, h PresenceHandlers) (ports.Subscription, error) {
	onChanges := func(changes []ports.DocumentChange) {
		for _, ch := range changes {
			p, err := decodeParticipant(ch.Doc)
			if err != nil {
				r.logger.Warnw("skipping malformed participant", "doc_id", ch.Doc.ID, "error", err)
				continue
			}
			switch ch.Kind {
			case ports.ChangeAdded:
				if h.OnAdded != nil {
					h.OnAdded(p)
				}
			case ports.ChangeModified:
				if h.OnModified != nil {
					h.OnModified(p)
				}
			case ports.ChangeRemoved:
				if h.OnRemoved != nil {
					h.OnRemoved(p)
				}
			}
		}
	}
	onError := func(err error) {
		r.logger.Warnw("presence subscription stopped", "group_id", r.groupID, "error", err)
		if h.OnError != nil {
			h.OnError(err)
		}
	}
	sub, err := r.store.Subscribe(ctx, r.query(), onChanges, onError)
	if err != nil {
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	return sub, nil
}

func (r *PresenceRegistry) query() ports.Query {
	return ports.Query{Collection: participantsCollection(r.groupID), OrderBy: fieldJoinedAt}
}

func decodeParticipant(doc ports.Document) (domain.Participant, error) {
	id := doc.ID
	if id == "" {
		id, _ = doc.Data[fieldID].(string)
	}
	if id == "" {
		return domain.Participant{}, fmt.Errorf("participant document without id")
	}
	p := domain.Participant{ID: domain.UserID(id)}
	p.DisplayName, _ = doc.Data[fieldDisplayName].(string)
	p.PhotoURL, _ = doc.Data[fieldPhotoURL].(string)
	p.IsMuted, _ = doc.Data[fieldIsMuted].(bool)
	p.IsVideoOff, _ = doc.Data[fieldIsVideoOff].(bool)
	if ts, ok := utils.AsTime(doc.Data[fieldJoinedAt]); ok {
		p.JoinedAt = ts
	}
	return p, nil
}
