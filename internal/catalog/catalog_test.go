package catalog

import (
	"strings"
	"testing"
)

func TestAllIDsResolvable(t *testing.T) {
	for _, id := range IDs() {
		n := ArgCount(id)
		if n < 0 {
			t.Fatalf("IDs() returned unknown id %d", id)
		}
		args := make([]interface{}, n)
		for i := range args {
			args[i] = "x"
		}
		m := Msg(id, args...)
		if m.Text == "" {
			t.Errorf("message %d formats to empty text", id)
		}
	}
}

func TestMsgPrefix(t *testing.T) {
	m := Msg(866)
	if !strings.HasPrefix(m.String(), "(p4dti-866)") {
		t.Errorf("String() = %q, want (p4dti-866) prefix", m.String())
	}
	if m.Severity != Info {
		t.Errorf("message 866 severity = %v, want Info", m.Severity)
	}
}

func TestUnknownIDPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Msg(99999) did not panic")
		}
	}()
	Msg(99999)
}
