package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"streamchat/pkg/domain"
)

const defaultExportExpiry = 15 * time.Minute

// Export describes one uploaded transcript snapshot.
type Export struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TranscriptArchive writes conversation snapshots as JSON documents and hands
// out short-lived download links.
type TranscriptArchive struct {
	store  ObjectStore
	expiry time.Duration
	now    func() time.Time
}

func NewTranscriptArchive(store ObjectStore, expiry time.Duration) *TranscriptArchive {
	if expiry <= 0 {
		expiry = defaultExportExpiry
	}
	return &TranscriptArchive{store: store, expiry: expiry, now: time.Now}
}

type transcriptDocument struct {
	ExportedAt   time.Time           `json:"exportedAt"`
	Conversation domain.Conversation `json:"conversation"`
}

// Export uploads c under transcripts/<owner>/<conversation>/<unix-millis>.json.
func (a *TranscriptArchive) Export(ctx context.Context, c domain.Conversation) (Export, error) {
	now := a.now().UTC()
	raw, err := json.MarshalIndent(transcriptDocument{ExportedAt: now, Conversation: c}, "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("encode transcript: %w", err)
	}
	key := fmt.Sprintf("%s%d.json", conversationPrefix(c.OwnerID, c.ID), now.UnixMilli())
	if err := a.store.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		return Export{}, err
	}
	url, err := a.store.PresignGet(ctx, key, a.expiry)
	if err != nil {
		return Export{}, err
	}
	return Export{Key: key, URL: url, ExpiresAt: now.Add(a.expiry)}, nil
}

// Remove deletes an earlier export.
func (a *TranscriptArchive) Remove(ctx context.Context, key string) error {
	return a.store.Delete(ctx, key)
}

// RemoveConversation drops every export of one conversation.
func (a *TranscriptArchive) RemoveConversation(ctx context.Context, ownerID, conversationID string) (int, error) {
	if ownerID == "" || conversationID == "" {
		return 0, fmt.Errorf("owner and conversation id required")
	}
	return a.store.DeletePrefix(ctx, conversationPrefix(ownerID, conversationID))
}

func conversationPrefix(ownerID, conversationID string) string {
	return fmt.Sprintf("transcripts/%s/%s/", ownerID, conversationID)
}
