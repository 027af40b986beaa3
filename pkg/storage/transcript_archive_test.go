package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"streamchat/pkg/domain"
)

type fakeObjectStore struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, size int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return err
	}
	if n != size {
		return errors.New("size mismatch")
	}
	f.objects[key] = buf.Bytes()
	f.types[key] = contentType
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	return "https://objects.test/" + key + "?expires=" + expiry.String(), nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	n := 0
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.objects, key)
			n++
		}
	}
	return n, nil
}

func TestTranscriptArchiveExport(t *testing.T) {
	store := newFakeObjectStore()
	archive := NewTranscriptArchive(store, 0)
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	archive.now = func() time.Time { return fixed }

	conv := domain.Conversation{
		ID:      "c1",
		OwnerID: "u1",
		Title:   "Hello",
		Messages: []domain.Message{
			{ID: "m1", Role: domain.MessageRoleUser, Content: "Hello", Timestamp: fixed},
		},
	}
	exp, err := archive.Export(context.Background(), conv)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(exp.Key, "transcripts/u1/c1/") || !strings.HasSuffix(exp.Key, ".json") {
		t.Fatalf("unexpected key %q", exp.Key)
	}
	if !exp.ExpiresAt.Equal(fixed.Add(defaultExportExpiry)) {
		t.Fatalf("expiresAt = %v", exp.ExpiresAt)
	}
	if store.types[exp.Key] != "application/json" {
		t.Fatalf("content type = %q", store.types[exp.Key])
	}
	var doc transcriptDocument
	if err := json.Unmarshal(store.objects[exp.Key], &doc); err != nil {
		t.Fatalf("decode uploaded document: %v", err)
	}
	if doc.Conversation.ID != "c1" || len(doc.Conversation.Messages) != 1 {
		t.Fatalf("unexpected document: %+v", doc)
	}

	if err := archive.Remove(context.Background(), exp.Key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := store.objects[exp.Key]; ok {
		t.Fatalf("object not removed")
	}
}

func TestTranscriptArchiveExportPutError(t *testing.T) {
	store := newFakeObjectStore()
	store.putErr = errors.New("bucket offline")
	archive := NewTranscriptArchive(store, time.Minute)
	if _, err := archive.Export(context.Background(), domain.Conversation{ID: "c1", OwnerID: "u1"}); err == nil {
		t.Fatalf("expected put error to surface")
	}
}

func TestTranscriptArchiveRemoveConversation(t *testing.T) {
	store := newFakeObjectStore()
	archive := NewTranscriptArchive(store, time.Minute)
	ctx := context.Background()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for i := 0; i < 2; i++ {
		archive.now = func() time.Time { return at.Add(time.Duration(i) * time.Second) }
		if _, err := archive.Export(ctx, domain.Conversation{ID: "c1", OwnerID: "u1"}); err != nil {
			t.Fatalf("export: %v", err)
		}
	}
	if _, err := archive.Export(ctx, domain.Conversation{ID: "c10", OwnerID: "u1"}); err != nil {
		t.Fatalf("export: %v", err)
	}

	n, err := archive.RemoveConversation(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n != 2 || len(store.objects) != 1 {
		t.Fatalf("expected 2 removed and c10 kept, got n=%d left=%v", n, store.objects)
	}
	if _, err := archive.RemoveConversation(ctx, "", "c1"); err == nil {
		t.Fatalf("expected error without owner")
	}
}
