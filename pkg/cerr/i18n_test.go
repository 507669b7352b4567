package cerr

import (
	"testing"
	"time"
)

func TestLocalizedRendersExactLocale(t *testing.T) {
	e := New(Validation, "field 'name' is required", nil)
	got := e.Localized("zh-TW")
	want := "輸入無效：field 'name' is required"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLocalizedFallsBackToBaseLanguage(t *testing.T) {
	e := New(Unauthorized, "no session", nil)
	// "ja-JP" has no exact entry; its base language "ja" does.
	got := e.Localized("ja-JP")
	if want := "認証されていないアクセス"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLocalizedFallsBackToEnglishForUnknownLocale(t *testing.T) {
	e := New(NotFound, "conversation missing", nil)
	got := e.Localized("fr")
	want := "Resource not found: conversation missing"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLocalizedFallsBackToCodeStringForUnknownKind(t *testing.T) {
	e := &Error{Kind: Kind("bogus"), Code: 9999, Message: ""}
	got := e.Localized("en")
	if got != "9999" {
		t.Fatalf("expected fallback to code string, got %q", got)
	}
}

func TestLocalizedFallsBackToMessageForUnknownKindWithMessage(t *testing.T) {
	e := &Error{Kind: Kind("bogus"), Code: 9999, Message: "something broke"}
	got := e.Localized("en")
	if got != "something broke" {
		t.Fatalf("expected fallback to message, got %q", got)
	}
}

func TestLocalizedSubstitutesRetryAfter(t *testing.T) {
	e := RateLimit(5 * time.Second)
	got := e.Localized("en")
	want := "Too many requests, please try again in 5s"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLocalizedSubstitutesProviderAndCommand(t *testing.T) {
	exec := Executor("openai", nil)
	if got, want := exec.Localized("en"), "openai failed to respond"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	cmd := &Error{Kind: CommandFailure, Code: codeBase[CommandFailure], Command: "restart"}
	if got, want := cmd.Localized("en"), "Command failed: restart"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLocalizedSubstitutesArbitraryDetailsKey(t *testing.T) {
	AddTemplate("en", Conflict, "Conflict over {{resource}}")
	defer AddTemplate("en", Conflict, "Conflict: {{message}}")

	e := New(Conflict, "", map[string]any{"resource": "session-42"})
	got := e.Localized("en")
	want := "Conflict over session-42"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAddTemplateOverridesAtRuntime(t *testing.T) {
	AddTemplate("en", Timeout, "custom timeout message")
	defer AddTemplate("en", Timeout, "Operation timed out")

	e := New(Timeout, "", nil)
	if got, want := e.Localized("en"), "custom timeout message"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAllKindsHaveEnglishTemplates(t *testing.T) {
	for kind := range codeBase {
		if _, ok := lookupTemplate("en", kind); !ok {
			t.Errorf("missing English template for kind %q", kind)
		}
	}
}
