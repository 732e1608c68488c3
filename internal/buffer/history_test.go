package buffer

import (
	"reflect"
	"testing"
)

func TestHistory_RecordsInOrder(t *testing.T) {
	h := NewHistory()
	if _, ok := h.Last(); ok {
		t.Fatal("empty history should have no last entry")
	}

	for _, cmd := range []string{"AT", "AT+GMR", "", "AT"} {
		h.Record(cmd)
	}

	if got, want := h.Entries(), []string{"AT", "AT+GMR", "", "AT"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Entries() = %q, want %q", got, want)
	}
	if last, _ := h.Last(); last != "AT" {
		t.Errorf("Last() = %q", last)
	}
	if h.Len() != 4 {
		t.Errorf("Len() = %d, want 4", h.Len())
	}
}

func TestHistory_EntriesIsACopy(t *testing.T) {
	h := NewHistory()
	h.Record("reset")
	entries := h.Entries()
	entries[0] = "mutated"

	if got := h.Entries()[0]; got != "reset" {
		t.Errorf("history was aliased: %q", got)
	}
}
