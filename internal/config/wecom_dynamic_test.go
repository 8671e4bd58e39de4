package config

import "testing"

func TestDynamicAgentsApplies(t *testing.T) {
	off := false
	tests := []struct {
		name     string
		cfg      WeComDynamicAgentsConfig
		peerKind string
		sender   string
		want     bool
	}{
		{"disabled", WeComDynamicAgentsConfig{}, "direct", "alice", false},
		{"dm default on", WeComDynamicAgentsConfig{Enabled: true}, "direct", "alice", true},
		{"group default on", WeComDynamicAgentsConfig{Enabled: true}, "group", "alice", true},
		{"dm turned off", WeComDynamicAgentsConfig{Enabled: true, DMCreateAgent: &off}, "direct", "alice", false},
		{"group turned off", WeComDynamicAgentsConfig{Enabled: true, GroupEnabled: &off}, "group", "alice", false},
		{"admin bypasses", WeComDynamicAgentsConfig{Enabled: true, AdminUsers: FlexibleStringSlice{" Alice "}}, "direct", "alice", false},
		{"non-admin still dynamic", WeComDynamicAgentsConfig{Enabled: true, AdminUsers: FlexibleStringSlice{"alice"}}, "group", "bob", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Applies(tt.peerKind, tt.sender); got != tt.want {
				t.Errorf("Applies(%s, %s) = %v, want %v", tt.peerKind, tt.sender, got, tt.want)
			}
		})
	}
}

func TestDynamicAgentID(t *testing.T) {
	tests := []struct {
		account, kind, peer string
		want                string
	}{
		{"acct-a", "direct", "zhangsan", "wecom-acct-a-dm-zhangsan"},
		{"acct-b", "direct", "zhangsan", "wecom-acct-b-dm-zhangsan"},
		{"", "group", "wr123456", "wecom-default-group-wr123456"},
		{"Sales", "direct", "Li.Wei@corp", "wecom-sales-dm-li_wei_corp"},
		{"acct-a", "group", "", "wecom-acct-a-group-unknown"},
	}
	for _, tt := range tests {
		if got := DynamicAgentID(tt.account, tt.kind, tt.peer); got != tt.want {
			t.Errorf("DynamicAgentID(%q, %q, %q) = %q, want %q", tt.account, tt.kind, tt.peer, got, tt.want)
		}
	}
}
