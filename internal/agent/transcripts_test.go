package agent

import (
	"testing"
	"time"
)

func TestTranscripts_AppendLoad(t *testing.T) {
	tr := NewTranscripts(0, 0)
	tr.Append("tok", Exchange{User: "hi", Assistant: "hello"})
	tr.Append("tok", Exchange{User: "again", Assistant: "sure"})

	got := tr.Load("tok")
	if len(got) != 2 || got[1].Assistant != "sure" {
		t.Fatalf("Load() = %+v, want 2 exchanges", got)
	}

	got[0].User = "mutated"
	if tr.Load("tok")[0].User != "hi" {
		t.Error("Load() returned shared backing storage")
	}
	if tr.Load("missing") != nil {
		t.Error("Load(missing) should be nil")
	}
}

func TestTranscripts_TTL(t *testing.T) {
	tr := NewTranscripts(time.Minute, 0)
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }

	tr.Append("old", Exchange{User: "a"})
	now = now.Add(2 * time.Minute)

	if got := tr.Load("old"); got != nil {
		t.Errorf("Load() after TTL = %+v, want nil", got)
	}
	if tr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tr.Len())
	}
}

func TestTranscripts_MaxEntriesEvictsLeastRecent(t *testing.T) {
	tr := NewTranscripts(0, 2)
	now := time.Unix(1000, 0)
	tr.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	tr.Append("a", Exchange{})
	tr.Append("b", Exchange{})
	tr.Load("a")
	tr.Append("c", Exchange{})

	if tr.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tr.Len())
	}
	if tr.Load("b") != nil {
		t.Error("b should have been evicted as least recently touched")
	}
	if tr.Load("a") == nil {
		t.Error("a should survive")
	}
}
