package transport

import (
	"errors"
	"testing"
)

func TestParseChatTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    ChatTarget
		wantErr bool
	}{
		{in: "12345", want: ChatTarget{ChatID: 12345}},
		{in: "-1001234567890", want: ChatTarget{ChatID: -1001234567890}},
		{in: "-1001234567890:42", want: ChatTarget{ChatID: -1001234567890, ThreadID: 42}},
		{in: " 77 : 3 ", want: ChatTarget{ChatID: 77, ThreadID: 3}},
		{in: "", wantErr: true},
		{in: "0", wantErr: true},
		{in: "@channel", wantErr: true},
		{in: "12:abc", wantErr: true},
		{in: "12:-1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseChatTarget(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrBadAddress) {
				t.Fatalf("ParseChatTarget(%q) err=%v, want ErrBadAddress", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseChatTarget(%q) unexpected err: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseChatTarget(%q)=%+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestChatTargetString(t *testing.T) {
	t.Parallel()
	if s := (ChatTarget{ChatID: 5}).String(); s != "5" {
		t.Fatalf("got %q", s)
	}
	if s := (ChatTarget{ChatID: -5, ThreadID: 9}).String(); s != "-5:9" {
		t.Fatalf("got %q", s)
	}
}
