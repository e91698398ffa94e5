package ioengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"drive-revenant/model"
)

func TestProbeWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	e := New(50*time.Millisecond, 200*time.Millisecond, true)

	outcome, class := e.Probe(dir, model.OpWrite)
	if outcome.Code != model.OK {
		t.Fatalf("write outcome = %+v (class %v), want OK", outcome, class)
	}

	if _, err := os.Stat(filepath.Join(dir, pingFileName)); err != nil {
		t.Fatalf("ping file missing after write: %v", err)
	}

	outcome, class = e.Probe(dir, model.OpRead)
	if outcome.Code != model.OK {
		t.Fatalf("read outcome = %+v (class %v), want OK", outcome, class)
	}
}

func TestProbeReadMissingFileIsOKAndPromptsCreation(t *testing.T) {
	dir := t.TempDir()
	e := New(50*time.Millisecond, 200*time.Millisecond, false)

	outcome, class := e.Probe(dir, model.OpRead)
	if outcome.Code != model.OK || outcome.Notes != "created" || class != ClassNone {
		t.Fatalf("got outcome=%+v class=%v, want OK/created/none", outcome, class)
	}
}

func TestProbeWriteLeavesNoStagingFiles(t *testing.T) {
	dir := t.TempDir()
	e := New(50*time.Millisecond, 200*time.Millisecond, true)

	if outcome, _ := e.Probe(dir, model.OpWrite); outcome.Code != model.OK {
		t.Fatalf("write outcome = %+v, want OK", outcome)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != pingFileName {
		names := make([]string, len(entries))
		for i, en := range entries {
			names[i] = en.Name()
		}
		t.Fatalf("ping dir contains %v, want exactly [%s]", names, pingFileName)
	}
}

func TestProbeContentHasHalfSecondGranularity(t *testing.T) {
	t0 := time.Unix(1000, 0)
	t1 := time.Unix(1000, 500*int64(time.Millisecond))
	c0 := probeContent(t0)
	c1 := probeContent(t1)
	if c0 == c1 {
		t.Fatalf("probeContent did not vary across a half-second boundary: %q vs %q", c0, c1)
	}
}
