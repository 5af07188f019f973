package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"parley/server/internal/core"
	"parley/server/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSaveAndLoadSnapshotRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	in := core.Snapshot{
		Rooms: []core.RoomState{
			{
				Path:           "team/general",
				Anonymous:      true,
				CharacterLimit: 140,
				Messages: []protocol.ChatMessage{
					{Type: protocol.KindText, Username: "alice", Text: "hello", Timestamp: 1700000000000},
					{Type: protocol.KindFile, Username: "bob", Filename: "notes.txt", FileType: "text/plain", Result: "data:...", Timestamp: 1700000001000},
				},
				BannedIPs: []string{"10.0.0.9"},
			},
			{Path: "team/random"},
		},
		Categories: []string{"archive"},
		GlobalBans: []string{"10.8.8.8"},
	}

	if err := st.SaveSnapshot(ctx, in); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	out, err := st.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if len(out.Rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(out.Rooms))
	}
	general := out.Rooms[0]
	if general.Path != "team/general" || !general.Anonymous || general.CharacterLimit != 140 {
		t.Fatalf("room settings lost: %#v", general)
	}
	if len(general.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(general.Messages))
	}
	if general.Messages[0].Username != "alice" || general.Messages[0].Text != "hello" {
		t.Fatalf("message order or content lost: %#v", general.Messages[0])
	}
	if general.Messages[1].Type != protocol.KindFile || general.Messages[1].Filename != "notes.txt" {
		t.Fatalf("file message lost: %#v", general.Messages[1])
	}
	if len(general.BannedIPs) != 1 || general.BannedIPs[0] != "10.0.0.9" {
		t.Fatalf("room bans lost: %#v", general.BannedIPs)
	}
	if len(out.Categories) != 1 || out.Categories[0] != "archive" {
		t.Fatalf("categories lost: %#v", out.Categories)
	}
	if len(out.GlobalBans) != 1 || out.GlobalBans[0] != "10.8.8.8" {
		t.Fatalf("global bans lost: %#v", out.GlobalBans)
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := core.Snapshot{Rooms: []core.RoomState{
		{Path: "old/room", Messages: []protocol.ChatMessage{{Type: protocol.KindText, Username: "x", Text: "stale", Timestamp: 1}}},
	}}
	if err := st.SaveSnapshot(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	second := core.Snapshot{Rooms: []core.RoomState{{Path: "new/room"}}}
	if err := st.SaveSnapshot(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	out, err := st.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out.Rooms) != 1 || out.Rooms[0].Path != "new/room" {
		t.Fatalf("stale rooms survived the save: %#v", out.Rooms)
	}
	n, err := st.MessageCount(ctx)
	if err != nil {
		t.Fatalf("message count: %v", err)
	}
	if n != 0 {
		t.Fatalf("stale messages survived the save: %d", n)
	}
}

func TestLoadFreshDatabaseIsEmpty(t *testing.T) {
	st := openTestStore(t)

	out, err := st.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out.Rooms) != 0 || len(out.Categories) != 0 || len(out.GlobalBans) != 0 {
		t.Fatalf("fresh database must yield an empty snapshot: %#v", out)
	}
}

func TestBackupCopiesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "parley.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if err := st.SaveSnapshot(context.Background(), core.Snapshot{Rooms: []core.RoomState{{Path: "a/b"}}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	dest := filepath.Join(dir, "backup.db")
	if err := st.Backup(dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("backup file is empty")
	}
}
