package queueconf

import (
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/flowqueue/internal/queue"
)

const sampleYAML = `
accounts:
  - username: alice
    password: secret1
  - username: bob
    password: secret2

rules:
  - name: evening
    steps:
      - time: 30s
        max: "20"
      - time: 10s
        max: "+10"
        min: "-5"

queues:
  - name: support
    strategy: rrmemory
    ring_timeout: 20s
    retry: 3s
    wrapup: 30s
    service_level: 1m
    weight: 2
    max_len: 10
    join_empty: strict
    leave_empty: loose
    autopause: all
    ring_in_use: true
    autofill: true
    timeout_restart: true
    announce_frequency: 90s
    announce_position: true
    announce_holdtime: true
    holdtime_rounding: 30s
    periodic_announce: [queue-periodic-1, queue-periodic-2]
    periodic_announce_frequency: 60s
    default_rule: evening
    penalty_members_limit: 3
    persist: true
    exit_context: queue-escape
    members:
      - interface: SIP/alice
        display_name: Alice
        state_key: SIP/alice
        penalty: 1
      - interface: SIP/bob
        paused: true
        ring_in_use: true
`

func TestParseFull(t *testing.T) {
	loaded, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(loaded.Accounts) != 2 || loaded.Accounts["alice"] != "secret1" {
		t.Errorf("accounts = %v", loaded.Accounts)
	}

	if len(loaded.Rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(loaded.Rules))
	}
	steps := loaded.Rules[0].Rules()
	if len(steps) != 2 {
		t.Fatalf("rule steps = %d, want 2", len(steps))
	}
	// Steps come back sorted by time.
	if steps[0].Time != 10*time.Second || !steps[0].MaxRelative || steps[0].MaxValue != 10 {
		t.Errorf("first step = %+v", steps[0])
	}
	if !steps[0].MinRelative || steps[0].MinValue != -5 {
		t.Errorf("first step min = %+v", steps[0])
	}
	if steps[1].Time != 30*time.Second || steps[1].MaxRelative || steps[1].MaxValue != 20 {
		t.Errorf("second step = %+v", steps[1])
	}

	if len(loaded.Queues) != 1 {
		t.Fatalf("queues = %d, want 1", len(loaded.Queues))
	}
	cfg := loaded.Queues[0]
	if cfg.Name != "support" || cfg.Strategy != queue.StrategyRRMemory {
		t.Errorf("name/strategy = %q %v", cfg.Name, cfg.Strategy)
	}
	if cfg.RingTimeout != 20*time.Second || cfg.Retry != 3*time.Second || cfg.Wrapup != 30*time.Second {
		t.Errorf("timings = %v %v %v", cfg.RingTimeout, cfg.Retry, cfg.Wrapup)
	}
	if cfg.Weight != 2 || cfg.MaxLen != 10 || cfg.PenaltyMembersLimit != 3 {
		t.Errorf("weight/maxlen/limit = %d %d %d", cfg.Weight, cfg.MaxLen, cfg.PenaltyMembersLimit)
	}
	strict, _ := queue.ParseConditionMask("strict")
	loose, _ := queue.ParseConditionMask("loose")
	if cfg.JoinEmpty != strict || cfg.LeaveEmpty != loose {
		t.Errorf("masks = %b %b", cfg.JoinEmpty, cfg.LeaveEmpty)
	}
	if cfg.Autopause != queue.AutopauseAll {
		t.Errorf("autopause = %v", cfg.Autopause)
	}
	if !cfg.RingInUse || !cfg.Autofill || !cfg.TimeoutRestart || !cfg.Persist {
		t.Error("boolean flags not carried")
	}
	if cfg.DefaultRule != "evening" || cfg.ExitContext != "queue-escape" {
		t.Errorf("rule/exit = %q %q", cfg.DefaultRule, cfg.ExitContext)
	}
	if len(cfg.PeriodicAnnounce) != 2 || cfg.PeriodicAnnounceFrequency != time.Minute {
		t.Errorf("periodic = %v / %v", cfg.PeriodicAnnounce, cfg.PeriodicAnnounceFrequency)
	}

	if len(cfg.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(cfg.Members))
	}
	m := cfg.Members[0]
	if m.Interface != "SIP/alice" || m.DisplayName != "Alice" || m.Penalty != 1 {
		t.Errorf("member = %+v", m)
	}
	if !cfg.Members[1].Paused || !cfg.Members[1].RingInUse {
		t.Errorf("member flags = %+v", cfg.Members[1])
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"duplicate queue",
			"queues:\n  - name: q\n  - name: q\n",
			"defined twice",
		},
		{
			"bad strategy",
			"queues:\n  - name: q\n    strategy: fancy\n",
			"unknown strategy",
		},
		{
			"bad duration",
			"queues:\n  - name: q\n    retry: fast\n",
			"bad duration",
		},
		{
			"bad join mask",
			"queues:\n  - name: q\n    join_empty: sometimes\n",
			"join_empty",
		},
		{
			"nameless queue",
			"queues:\n  - strategy: ringall\n",
			"needs a name",
		},
		{
			"member without interface",
			"queues:\n  - name: q\n    members:\n      - penalty: 1\n",
			"empty interface",
		},
		{
			"empty account username",
			"accounts:\n  - password: x\n",
			"empty username",
		},
		{
			"duplicate account",
			"accounts:\n  - username: a\n  - username: a\n",
			"defined twice",
		},
		{
			"bad rule value",
			"rules:\n  - name: r\n    steps:\n      - time: 10s\n        max: abc\n",
			"bad rule value",
		},
		{
			"not yaml",
			"{{{",
			"parsing queue config",
		},
	}
	for _, tt := range tests {
		_, err := Parse([]byte(tt.yaml))
		if err == nil {
			t.Errorf("%s: no error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error %q does not mention %q", tt.name, err, tt.want)
		}
	}
}

func TestParseRuleValues(t *testing.T) {
	tests := []struct {
		in       string
		val      int
		relative bool
		wantErr  bool
	}{
		{"", 0, false, false},
		{"20", 20, false, false},
		{"+10", 10, true, false},
		{"-5", -5, true, false},
		{"x", 0, false, true},
	}
	for _, tt := range tests {
		val, rel, err := parseRuleValue(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRuleValue(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && (val != tt.val || rel != tt.relative) {
			t.Errorf("parseRuleValue(%q) = %d, %v, want %d, %v", tt.in, val, rel, tt.val, tt.relative)
		}
	}
}
