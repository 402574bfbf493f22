package secrets

import (
	"reflect"
	"testing"
)

func TestResolve_BoundAndUnset(t *testing.T) {
	store := StaticStore{
		"SENDER_EMAIL":    "bot@example.com",
		"RECIPIENT_EMAIL": "team@example.com",
	}

	got := Resolve(store, []string{"SENDER_EMAIL", "EMAIL_PASSWORD", "RECIPIENT_EMAIL"})

	// EMAIL_PASSWORD is unset: present but empty, never absent.
	want := []string{
		"SENDER_EMAIL=bot@example.com",
		"EMAIL_PASSWORD=",
		"RECIPIENT_EMAIL=team@example.com",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

func TestResolve_NoBindings(t *testing.T) {
	if got := Resolve(StaticStore{}, nil); len(got) != 0 {
		t.Errorf("expected empty env for no bindings, got %v", got)
	}
}

func TestEnvStore(t *testing.T) {
	t.Setenv("RSIRUNNER_TEST_SECRET", "value")

	store := NewEnvStore()
	if got := store.Get("RSIRUNNER_TEST_SECRET"); got != "value" {
		t.Errorf("expected env value, got %q", got)
	}
	if got := store.Get("RSIRUNNER_TEST_SECRET_UNSET"); got != "" {
		t.Errorf("expected empty string for unset, got %q", got)
	}
}
