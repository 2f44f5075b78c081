package utils

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/mdobak/go-xerrors"
)

func TestReplaceErrorAttrRendersMessageAndTrace(t *testing.T) {
	t.Parallel()

	err := xerrors.New("microphone gone")
	attr := replaceErrorAttr(nil, slog.Any("error", err))

	if attr.Value.Kind() != slog.KindGroup {
		t.Fatalf("kind = %s, want group", attr.Value.Kind())
	}

	var msg string
	var hasTrace bool
	for _, a := range attr.Value.Group() {
		switch a.Key {
		case "msg":
			msg = a.Value.String()
		case "trace":
			hasTrace = true
		}
	}
	if msg != "microphone gone" {
		t.Errorf("msg = %q, want the error message", msg)
	}
	if !hasTrace {
		t.Error("xerrors stack trace not attached")
	}
}

func TestReplaceErrorAttrHandlesPlainErrors(t *testing.T) {
	t.Parallel()

	attr := replaceErrorAttr(nil, slog.Any("error", fmt.Errorf("plain failure")))
	if attr.Value.Kind() != slog.KindGroup {
		t.Fatalf("kind = %s, want group", attr.Value.Kind())
	}
	if got := attr.Value.Group()[0].Value.String(); got != "plain failure" {
		t.Errorf("msg = %q, want the error message", got)
	}
}

func TestReplaceErrorAttrPassesThroughNonErrors(t *testing.T) {
	t.Parallel()

	attr := slog.String("participant", "alice")
	if got := replaceErrorAttr(nil, attr); !got.Equal(attr) {
		t.Errorf("non-error attr rewritten: %v", got)
	}
}
