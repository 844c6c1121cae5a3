package remote

import (
	"testing"

	"slide-lite/internal/model"
)

func TestLocatorNames(t *testing.T) {
	cases := map[string]string{
		StreamRecord("alice"):                  "stream/alice",
		LoginEvent("alice"):                    "login/alice",
		ListName(model.ListLocked, "alice"):     "locked/alice",
		ListName(model.ListQueue, "alice"):      "queue/alice",
		ListName(model.ListSuggestion, "alice"): "suggestion/alice",
		ListName(model.ListAutoplay, "alice"):   "autoplay/alice",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestParseName(t *testing.T) {
	kind, key, ok := ParseName("queue/alice")
	if !ok || kind != "queue" || key != "alice" {
		t.Fatalf("unexpected parse: %q %q %v", kind, key, ok)
	}
	if _, _, ok := ParseName("queue/"); ok {
		t.Fatalf("expected empty key to fail")
	}
	if !IsList("suggestion/bob") || IsList("stream/bob") || IsList("track/x") {
		t.Fatalf("unexpected IsList result")
	}
}
