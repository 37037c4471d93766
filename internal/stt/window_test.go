package stt

import (
	"fmt"
	"testing"
)

func TestWindowSlides(t *testing.T) {
	w := NewWindow(3)
	for i := 0; i < 5; i++ {
		w.Push(SubtitleEntry{Speaker: "a", Text: fmt.Sprintf("line %d", i)})
	}

	got := w.Entries()
	if len(got) != 3 {
		t.Fatalf("window holds %d entries, want 3", len(got))
	}
	// Oldest entries evicted, order preserved.
	for i, e := range got {
		want := fmt.Sprintf("line %d", i+2)
		if e.Text != want {
			t.Fatalf("entry %d = %q, want %q", i, e.Text, want)
		}
	}
}

func TestWindowEntriesIsACopy(t *testing.T) {
	w := NewWindow(3)
	w.Push(SubtitleEntry{Text: "original"})

	got := w.Entries()
	got[0].Text = "mutated"

	if w.Entries()[0].Text != "original" {
		t.Fatal("Entries exposed internal storage")
	}
}

func TestWindowClear(t *testing.T) {
	w := NewWindow(5)
	w.Push(SubtitleEntry{Text: "x"})
	w.Clear()
	if len(w.Entries()) != 0 {
		t.Fatal("window not empty after Clear")
	}
}
