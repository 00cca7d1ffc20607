package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	key := []byte("test-key-0123456789abcdef01234567")

	j, err := Open(path, key, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		rec := Record{TS: time.Unix(int64(i), 0).UTC(), Actor: "client", Action: "tool.call", Tool: "echo", Outcome: "ok"}
		if err := j.Append(rec); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	div, err := Verify(path, key)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if div != nil {
		t.Fatalf("unexpected divergence: %+v", div)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	key := []byte("test-key-0123456789abcdef01234567")

	j, err := Open(path, key, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Append(Record{TS: time.Unix(0, 0).UTC(), Actor: "c", Action: "a", Outcome: "ok"}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	div, err := Verify(path, []byte("a-completely-different-key-value"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if div == nil {
		t.Fatal("expected a divergence when verifying with the wrong key")
	}
}

func TestReopenContinuesChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	key := []byte("test-key-0123456789abcdef01234567")

	j1, err := Open(path, key, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := j1.Append(Record{TS: time.Unix(0, 0).UTC(), Actor: "c", Action: "a", Outcome: "ok"}); err != nil {
		t.Fatal(err)
	}
	if err := j1.Close(); err != nil {
		t.Fatal(err)
	}

	j2, err := Open(path, key, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := j2.Append(Record{TS: time.Unix(1, 0).UTC(), Actor: "c", Action: "b", Outcome: "ok"}); err != nil {
		t.Fatal(err)
	}
	if err := j2.Close(); err != nil {
		t.Fatal(err)
	}

	div, err := Verify(path, key)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if div != nil {
		t.Fatalf("unexpected divergence after reopen: %+v", div)
	}
}

func TestDisabledJournalIsNoop(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "unused.jsonl"), []byte("k"), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Append(Record{TS: time.Now().UTC(), Actor: "c", Action: "a", Outcome: "ok"}); err != nil {
		t.Fatalf("disabled journal append should not error: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
}
