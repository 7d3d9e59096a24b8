// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type geometry struct {
	Left   int `cbor:"left"`
	Top    int `cbor:"top"`
	Width  int `cbor:"width"`
	Height int `cbor:"height"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestMemoryStoreGetSetRemove(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var got geometry
	if err := store.Get(ctx, "overlay_geom::a", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: got %v, want ErrNotFound", err)
	}

	want := geometry{Left: 10, Top: 20, Width: 300, Height: 200}
	if err := store.Set(ctx, "overlay_geom::a", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Get(ctx, "overlay_geom::a", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	if err := store.Remove(ctx, "overlay_geom::a", "missing"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := store.Get(ctx, "overlay_geom::a", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Remove: got %v, want ErrNotFound", err)
	}
}

func TestOnChangeSkipsIdenticalWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var changes []Change
	cancel := store.OnChange(func(change Change) { changes = append(changes, change) })

	value := geometry{Width: 100, Height: 100}
	store.Set(ctx, "k", value)
	store.Set(ctx, "k", value)
	store.Remove(ctx, "k")
	store.Remove(ctx, "k")

	want := []Change{{Key: "k"}, {Key: "k", Removed: true}}
	if len(changes) != len(want) {
		t.Fatalf("changes = %+v, want %+v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %+v, want %+v", i, changes[i], want[i])
		}
	}

	cancel()
	store.Set(ctx, "k", value)
	if len(changes) != len(want) {
		t.Errorf("listener called after cancel: %+v", changes)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "peek.kv")

	store, err := OpenFile(path, testLogger())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	want := geometry{Left: 5, Top: 6, Width: 640, Height: 360}
	if err := store.Set(ctx, "overlay_geom::x", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "doomed", "value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Remove(ctx, "doomed"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	reopened, err := OpenFile(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var got geometry
	if err := reopened.Get(ctx, "overlay_geom::x", &got); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got != want {
		t.Errorf("Get after reopen = %+v, want %+v", got, want)
	}
	var doomed string
	if err := reopened.Get(ctx, "doomed", &doomed); !errors.Is(err, ErrNotFound) {
		t.Errorf("removed key survived reopen: %v", err)
	}
}

func TestFileStoreDiscardsCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "peek.kv")

	store, err := OpenFile(path, testLogger())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := store.Set(ctx, "k", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reopened, err := OpenFile(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var value int
	if err := reopened.Get(ctx, "k", &value); !errors.Is(err, ErrNotFound) {
		t.Errorf("corrupt snapshot was loaded: value=%d err=%v", value, err)
	}
}
