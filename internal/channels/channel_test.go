package channels

import "testing"

func TestEvaluatePolicy(t *testing.T) {
	allow := func() bool { return true }
	deny := func() bool { return false }

	tests := []struct {
		name     string
		peerKind string
		dm       string
		group    string
		allowed  func() bool
		want     bool
	}{
		{"default open", PeerDirect, "", "", deny, true},
		{"dm disabled", PeerDirect, "disabled", "open", allow, false},
		{"dm allowlist hit", PeerDirect, "allowlist", "", allow, true},
		{"dm allowlist miss", PeerDirect, "allowlist", "", deny, false},
		{"dm pairing behaves as allowlist", PeerDirect, "pairing", "", deny, false},
		{"group uses group policy", PeerGroup, "disabled", "open", deny, true},
		{"group disabled", PeerGroup, "open", "disabled", allow, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluatePolicy(tt.peerKind, tt.dm, tt.group, tt.allowed); got != tt.want {
				t.Errorf("EvaluatePolicy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchAllowList(t *testing.T) {
	tests := []struct {
		name        string
		list        []string
		sender      string
		emptyAllows bool
		want        bool
	}{
		{"empty allows", nil, "alice", true, true},
		{"empty denies", nil, "alice", false, false},
		{"listed", []string{"alice", " bob "}, "bob", false, true},
		{"not listed", []string{"alice", "bob"}, "carol", true, false},
		{"blank sender", []string{"alice"}, "", true, false},
		{"wildcard", []string{"*"}, "carol", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchAllowList(tt.list, tt.sender, tt.emptyAllows); got != tt.want {
				t.Errorf("MatchAllowList(%v, %q) = %v, want %v", tt.list, tt.sender, got, tt.want)
			}
		})
	}
}

func TestBaseChannel_Running(t *testing.T) {
	c := NewBaseChannel("wecom")
	if c.Name() != "wecom" || c.IsRunning() {
		t.Fatalf("new channel = %q running=%v", c.Name(), c.IsRunning())
	}
	c.SetRunning(true)
	if !c.IsRunning() {
		t.Error("SetRunning(true) not observed")
	}
}
