package wecom

import (
	"errors"
	"testing"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"zhangsan", Target{ToUser: "zhangsan"}},
		{"wecom:zhangsan", Target{ToUser: "zhangsan"}},
		{"user:lisi", Target{ToUser: "lisi"}},
		{"party:2", Target{ToParty: "2"}},
		{"dept:7", Target{ToParty: "7"}},
		{"12", Target{ToParty: "12"}},
		{"1001", Target{ToUser: "1001"}},
		{"tag:ops", Target{ToTag: "ops"}},
		{"wrAbCdEf", Target{ChatID: "wrAbCdEf"}},
		{"WECOM-AGENT:group:wc123", Target{ChatID: "wc123"}},
		{"a | b|tag:ops | party:3", Target{ToUser: "a|b", ToParty: "3", ToTag: "ops"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if err != nil {
				t.Fatalf("ParseTarget(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTargetErrors(t *testing.T) {
	if _, err := ParseTarget("   "); !errors.Is(err, ErrEmptyTarget) {
		t.Errorf("blank: err = %v", err)
	}
	if _, err := ParseTarget("chat:wr1|chat:wr2"); !errors.Is(err, ErrMultipleChatIDs) {
		t.Errorf("two chats: err = %v", err)
	}
	if _, err := ParseTarget("tag:"); err == nil {
		t.Error("empty tag id accepted")
	}
}

func TestTargetString(t *testing.T) {
	to := Target{ToUser: "a", ChatID: "wr1"}
	if got := to.String(); got != "user:a|chat:wr1" {
		t.Errorf("String() = %q", got)
	}
	if !to.IsChat() || to.IsEmpty() {
		t.Errorf("IsChat/IsEmpty wrong for %+v", to)
	}
	if !(Target{}).IsEmpty() {
		t.Error("zero target not empty")
	}
}
