package switchio

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNormalizeNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"national mobile", "11987654321", "5511987654321"},
		{"national landline", "1133334444", "551133334444"},
		{"already international", "5511987654321", "5511987654321"},
		{"formatted", "+55 (11) 98765-4321", "5511987654321"},
		{"dots and spaces", "11 9876.54321", "5511987654321"},
		{"ddd 55 national", "55987654321", "5555987654321"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeNumber(tc.in)
			if err != nil {
				t.Fatalf("NormalizeNumber(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("NormalizeNumber(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeNumberRejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"123",
		"123456789",      // 9 digits
		"12345678901234", // 14 digits
		"119876x4321",    // letters
		"118765432101",   // 12 digits, not international
	} {
		if _, err := NormalizeNumber(in); !errors.Is(err, ErrBadNumber) {
			t.Errorf("NormalizeNumber(%q) = %v, want ErrBadNumber", in, err)
		}
	}
}

func TestOriginateCommand(t *testing.T) {
	t.Parallel()

	cmd := OriginateCommand("abc-123", "5511987654321", "trunk", "0", "ws://10.0.0.5:8000/ws")

	for _, want := range []string{
		"origination_uuid=abc-123",
		"ignore_early_media=true",
		"uuid_audio_fork abc-123 start ws://10.0.0.5:8000/ws/abc-123 mono 8000",
		"sofia/gateway/trunk/05511987654321",
		"&park",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command missing %q:\n%s", want, cmd)
		}
	}
}

type fakeOriginator struct {
	cmds []string
	err  error
}

func (f *fakeOriginator) Originate(_ context.Context, cmd string) error {
	f.cmds = append(f.cmds, cmd)
	return f.err
}

func TestDialerNormalizesBeforeOriginating(t *testing.T) {
	t.Parallel()

	fo := &fakeOriginator{}
	d := NewDialer(fo, "trunk", "", "ws://host:8000/ws/")

	if err := d.Dial(context.Background(), "id-1", "(11) 98765-4321"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if len(fo.cmds) != 1 {
		t.Fatalf("originate calls = %d, want 1", len(fo.cmds))
	}
	if !strings.Contains(fo.cmds[0], "sofia/gateway/trunk/5511987654321") {
		t.Errorf("dial string not normalised: %s", fo.cmds[0])
	}
	if !strings.Contains(fo.cmds[0], "ws://host:8000/ws/id-1") {
		t.Errorf("media URL wrong: %s", fo.cmds[0])
	}
}

func TestDialerRejectsBadNumberWithoutOriginating(t *testing.T) {
	t.Parallel()

	fo := &fakeOriginator{}
	d := NewDialer(fo, "trunk", "", "ws://host/ws")

	if err := d.Dial(context.Background(), "id-1", "not-a-number"); !errors.Is(err, ErrBadNumber) {
		t.Fatalf("Dial = %v, want ErrBadNumber", err)
	}
	if len(fo.cmds) != 0 {
		t.Errorf("originate was called for an invalid number")
	}
}
