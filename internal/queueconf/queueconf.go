// Package queueconf loads queue and penalty-rule definitions from a YAML
// file into engine configuration. The file is the declarative counterpart
// of the management API: queues defined here are static, everything added
// at runtime is dynamic.
package queueconf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowpbx/flowqueue/internal/queue"
)

// File is the top-level YAML document.
type File struct {
	Accounts []AccountDef `yaml:"accounts"`
	Rules    []RuleSetDef `yaml:"rules"`
	Queues   []QueueDef   `yaml:"queues"`
}

// AccountDef declares one SIP account a member device registers with.
type AccountDef struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Loaded is the converted content of one queue definition file.
type Loaded struct {
	Queues []queue.Config
	Rules  []*queue.RuleSet
	// Accounts maps SIP usernames to passwords for the channel driver.
	Accounts map[string]string
}

// RuleSetDef declares one named penalty rule set.
type RuleSetDef struct {
	Name  string    `yaml:"name"`
	Steps []RuleDef `yaml:"steps"`
}

// RuleDef is one penalty rule step. Min and Max accept absolute values
// ("20") or signed relative adjustments ("+10", "-5").
type RuleDef struct {
	Time string `yaml:"time"`
	Max  string `yaml:"max"`
	Min  string `yaml:"min"`
}

// MemberDef declares one static member.
type MemberDef struct {
	Interface   string `yaml:"interface"`
	DisplayName string `yaml:"display_name"`
	StateKey    string `yaml:"state_key"`
	Penalty     int    `yaml:"penalty"`
	Paused      bool   `yaml:"paused"`
	RingInUse   bool   `yaml:"ring_in_use"`
}

// QueueDef declares one queue. Durations are Go duration strings.
type QueueDef struct {
	Name     string `yaml:"name"`
	Strategy string `yaml:"strategy"`

	RingTimeout  string `yaml:"ring_timeout"`
	Retry        string `yaml:"retry"`
	Wrapup       string `yaml:"wrapup"`
	MemberDelay  string `yaml:"member_delay"`
	ServiceLevel string `yaml:"service_level"`

	Weight int `yaml:"weight"`
	MaxLen int `yaml:"max_len"`

	JoinEmpty  string `yaml:"join_empty"`
	LeaveEmpty string `yaml:"leave_empty"`
	Autopause  string `yaml:"autopause"`

	RingInUse      bool `yaml:"ring_in_use"`
	Autofill       bool `yaml:"autofill"`
	TimeoutRestart bool `yaml:"timeout_restart"`

	Announce                  string   `yaml:"announce"`
	AnnounceFrequency         string   `yaml:"announce_frequency"`
	AnnouncePosition          bool     `yaml:"announce_position"`
	AnnounceHoldtime          bool     `yaml:"announce_holdtime"`
	HoldtimeRounding          string   `yaml:"holdtime_rounding"`
	PeriodicAnnounce          []string `yaml:"periodic_announce"`
	PeriodicAnnounceFrequency string   `yaml:"periodic_announce_frequency"`

	DefaultRule         string `yaml:"default_rule"`
	PenaltyMembersLimit int    `yaml:"penalty_members_limit"`

	Persist          bool   `yaml:"persist"`
	MaskMemberStatus bool   `yaml:"mask_member_status"`
	ExitContext      string `yaml:"exit_context"`

	Members []MemberDef `yaml:"members"`
}

// Load reads and converts the YAML file at path.
func Load(path string) (*Loaded, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading queue config: %w", err)
	}
	return Parse(raw)
}

// Parse converts a YAML document.
func Parse(raw []byte) (*Loaded, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing queue config: %w", err)
	}

	out := &Loaded{Accounts: make(map[string]string, len(f.Accounts))}

	for _, ad := range f.Accounts {
		if ad.Username == "" {
			return nil, fmt.Errorf("account with empty username")
		}
		if _, dup := out.Accounts[ad.Username]; dup {
			return nil, fmt.Errorf("account %q defined twice", ad.Username)
		}
		out.Accounts[ad.Username] = ad.Password
	}

	for _, rd := range f.Rules {
		rs, err := rd.convert()
		if err != nil {
			return nil, fmt.Errorf("rule set %q: %w", rd.Name, err)
		}
		out.Rules = append(out.Rules, rs)
	}

	seen := make(map[string]bool, len(f.Queues))
	for _, qd := range f.Queues {
		if seen[qd.Name] {
			return nil, fmt.Errorf("queue %q defined twice", qd.Name)
		}
		seen[qd.Name] = true
		cfg, err := qd.convert()
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", qd.Name, err)
		}
		out.Queues = append(out.Queues, cfg)
	}
	return out, nil
}

func (rd RuleSetDef) convert() (*queue.RuleSet, error) {
	steps := make([]queue.PenaltyRule, 0, len(rd.Steps))
	for i, sd := range rd.Steps {
		at, err := parseDuration(sd.Time)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		maxVal, maxRel, err := parseRuleValue(sd.Max)
		if err != nil {
			return nil, fmt.Errorf("step %d max: %w", i, err)
		}
		minVal, minRel, err := parseRuleValue(sd.Min)
		if err != nil {
			return nil, fmt.Errorf("step %d min: %w", i, err)
		}
		steps = append(steps, queue.PenaltyRule{
			Time:        at,
			MaxValue:    maxVal,
			MaxRelative: maxRel,
			MinValue:    minVal,
			MinRelative: minRel,
		})
	}
	return queue.NewRuleSet(rd.Name, steps)
}

func (qd QueueDef) convert() (queue.Config, error) {
	var cfg queue.Config
	var err error

	cfg.Name = qd.Name
	if cfg.Strategy, err = queue.ParseStrategy(qd.Strategy); err != nil {
		return cfg, err
	}

	durs := []struct {
		raw string
		dst *time.Duration
	}{
		{qd.RingTimeout, &cfg.RingTimeout},
		{qd.Retry, &cfg.Retry},
		{qd.Wrapup, &cfg.Wrapup},
		{qd.MemberDelay, &cfg.MemberDelay},
		{qd.ServiceLevel, &cfg.ServiceLevel},
		{qd.AnnounceFrequency, &cfg.AnnounceFrequency},
		{qd.HoldtimeRounding, &cfg.HoldtimeRounding},
		{qd.PeriodicAnnounceFrequency, &cfg.PeriodicAnnounceFrequency},
	}
	for _, d := range durs {
		if *d.dst, err = parseDuration(d.raw); err != nil {
			return cfg, err
		}
	}

	cfg.Weight = qd.Weight
	cfg.MaxLen = qd.MaxLen
	if cfg.JoinEmpty, err = queue.ParseConditionMask(qd.JoinEmpty); err != nil {
		return cfg, fmt.Errorf("join_empty: %w", err)
	}
	if cfg.LeaveEmpty, err = queue.ParseConditionMask(qd.LeaveEmpty); err != nil {
		return cfg, fmt.Errorf("leave_empty: %w", err)
	}
	if cfg.Autopause, err = queue.ParseAutopauseMode(qd.Autopause); err != nil {
		return cfg, err
	}

	cfg.RingInUse = qd.RingInUse
	cfg.Autofill = qd.Autofill
	cfg.TimeoutRestart = qd.TimeoutRestart
	cfg.Announce = qd.Announce
	cfg.AnnouncePosition = qd.AnnouncePosition
	cfg.AnnounceHoldtime = qd.AnnounceHoldtime
	cfg.PeriodicAnnounce = qd.PeriodicAnnounce
	cfg.DefaultRule = qd.DefaultRule
	cfg.PenaltyMembersLimit = qd.PenaltyMembersLimit
	cfg.Persist = qd.Persist
	cfg.MaskMemberStatus = qd.MaskMemberStatus
	cfg.ExitContext = qd.ExitContext

	for _, md := range qd.Members {
		cfg.Members = append(cfg.Members, queue.MemberConfig{
			Interface:   md.Interface,
			DisplayName: md.DisplayName,
			StateKey:    md.StateKey,
			Penalty:     md.Penalty,
			Paused:      md.Paused,
			RingInUse:   md.RingInUse,
		})
	}

	return cfg, cfg.Validate()
}

// parseDuration parses a Go duration string; empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", s, err)
	}
	return d, nil
}

// parseRuleValue parses a penalty rule value: a leading sign makes the
// value a relative adjustment, a bare number an absolute replacement.
// Empty means absolute zero.
func parseRuleValue(s string) (val int, relative bool, err error) {
	if s == "" {
		return 0, false, nil
	}
	relative = strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-")
	val, err = strconv.Atoi(strings.TrimPrefix(s, "+"))
	if err != nil {
		return 0, false, fmt.Errorf("bad rule value %q: %w", s, err)
	}
	return val, relative, nil
}
