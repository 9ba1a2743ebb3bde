// Package watcher implements the agent's file-watching subsystem: rule
// matching, debouncing, in-use retry, time-window gating, the copy/backup/
// rename/remove operation pipeline, and before/after/on-error hooks that may
// be a shell command or a synchronous workflow invocation.
package watcher

import (
	"fmt"
	"regexp"
	"time"
)

// Mode selects how a rule's Directory field is interpreted.
type Mode string

const (
	ModeAbsolute Mode = "absolute"
	ModePattern  Mode = "pattern"
)

// OverwritePolicy controls what CopyTo/BackupTo/Rename do when the
// destination already exists.
type OverwritePolicy string

const (
	OverwriteReplace OverwritePolicy = "overwrite"
	OverwriteSkip    OverwritePolicy = "skip"
	OverwriteRename  OverwritePolicy = "rename-existing"
)

// TimeWindow restricts a rule to a clock-of-day and day-of-week admission
// window; zero value admits always.
type TimeWindow struct {
	StartHour   int  `json:"startHour" yaml:"startHour"`
	StartMinute int  `json:"startMinute" yaml:"startMinute"`
	EndHour     int  `json:"endHour" yaml:"endHour"`
	EndMinute   int  `json:"endMinute" yaml:"endMinute"`
	// DayOfWeekMask bit i set (i=0 Sunday..6 Saturday) means that day admits.
	// Zero mask means every day admits.
	DayOfWeekMask uint8 `json:"dayOfWeekMask" yaml:"dayOfWeekMask"`
}

// Admits reports whether t falls inside the configured window.
func (w TimeWindow) Admits(t time.Time) bool {
	if w.DayOfWeekMask != 0 {
		bit := uint8(1) << uint(t.Weekday())
		if w.DayOfWeekMask&bit == 0 {
			return false
		}
	}
	if w.StartHour == 0 && w.StartMinute == 0 && w.EndHour == 0 && w.EndMinute == 0 {
		return true
	}
	minutesNow := t.Hour()*60 + t.Minute()
	start := w.StartHour*60 + w.StartMinute
	end := w.EndHour*60 + w.EndMinute
	if start <= end {
		return minutesNow >= start && minutesNow <= end
	}
	// Window wraps past midnight.
	return minutesNow >= start || minutesNow <= end
}

// Operations is the ordered set of file operations a rule applies once all
// gates have admitted an event.
type Operations struct {
	CopyTo          string          `json:"copyTo,omitempty" yaml:"copyTo,omitempty"`
	CopyTempExt     string          `json:"copyTempExtension,omitempty" yaml:"copyTempExtension,omitempty"`
	InsertTimestamp bool            `json:"insertTimestamp,omitempty" yaml:"insertTimestamp,omitempty"`
	BackupTo        string          `json:"backupTo,omitempty" yaml:"backupTo,omitempty"`
	Rename          string          `json:"rename,omitempty" yaml:"rename,omitempty"`
	Overwrite       OverwritePolicy `json:"overwrite,omitempty" yaml:"overwrite,omitempty"`
	RemoveAfter     bool            `json:"removeAfter,omitempty" yaml:"removeAfter,omitempty"`
}

// Hooks names external-program or workflow invocations run around the
// operations step. A value prefixed "WF:" names a workflow; anything else
// is a shell command.
type Hooks struct {
	Before  string `json:"before,omitempty" yaml:"before,omitempty"`
	After   string `json:"after,omitempty" yaml:"after,omitempty"`
	OnError string `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// Processing governs retry, debounce and pacing behavior.
type Processing struct {
	CheckInUse     bool          `json:"checkInUse,omitempty" yaml:"checkInUse,omitempty"`
	MaxRetries     int           `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	RetryDelay     time.Duration `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"`
	DelayNextFile  time.Duration `json:"delayNextFile,omitempty" yaml:"delayNextFile,omitempty"`
	ProcessAfter   time.Duration `json:"processAfterSecs,omitempty" yaml:"processAfterSecs,omitempty"`
	CooldownWindow time.Duration `json:"cooldownWindow,omitempty" yaml:"cooldownWindow,omitempty"`
}

// Rule is one file-watcher rule as synced from the controller's config
// repository (agents/<id>.json's fileWatcherRules array).
type Rule struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Mode    Mode   `json:"mode" yaml:"mode"`
	// Directory is an exact path when Mode == ModeAbsolute, or a regex
	// matched against subtrees of the engine's scan root when ModePattern.
	Directory     string `json:"directory" yaml:"directory"`
	Recursive     bool   `json:"recursive" yaml:"recursive"`
	FilenameRegex string `json:"filenameRegex,omitempty" yaml:"filenameRegex,omitempty"`
	ContentRegex  string `json:"contentRegex,omitempty" yaml:"contentRegex,omitempty"`
	// ContentBytes bounds how much of the file is read for ContentRegex
	// matching; zero defaults to 64KiB.
	ContentBytes int64 `json:"contentBytes,omitempty" yaml:"contentBytes,omitempty"`

	Operations Operations `json:"operations" yaml:"operations"`
	Hooks      Hooks      `json:"hooks" yaml:"hooks"`
	Window     TimeWindow `json:"timeWindow" yaml:"timeWindow"`
	Processing Processing `json:"processing" yaml:"processing"`

	compiled compiledRule
}

type compiledRule struct {
	directoryRegex *regexp.Regexp // Mode == ModePattern only
	filenameRegex  *regexp.Regexp
	contentRegex   *regexp.Regexp
}

// Compile validates and pre-compiles a rule's regex fields. It must be
// called once before the rule is used by an Engine; a rule that fails to
// compile is rejected at load with a named reason, leaving other rules
// active (spec's "configuration invalid" failure mode).
func (r *Rule) Compile() error {
	var c compiledRule
	if r.Mode == ModePattern {
		re, err := regexp.Compile(r.Directory)
		if err != nil {
			return fmt.Errorf("watcher: rule %s: invalid directory pattern: %w", r.ID, err)
		}
		c.directoryRegex = re
	}
	if r.FilenameRegex != "" {
		re, err := regexp.Compile(r.FilenameRegex)
		if err != nil {
			return fmt.Errorf("watcher: rule %s: invalid filename regex: %w", r.ID, err)
		}
		c.filenameRegex = re
	}
	if r.ContentRegex != "" {
		re, err := regexp.Compile(r.ContentRegex)
		if err != nil {
			return fmt.Errorf("watcher: rule %s: invalid content regex: %w", r.ID, err)
		}
		c.contentRegex = re
	}
	r.compiled = c
	return nil
}

func (r *Rule) cooldown() time.Duration {
	if r.Processing.CooldownWindow > 0 {
		return r.Processing.CooldownWindow
	}
	return 30 * time.Second
}

func (r *Rule) contentBudget() int64 {
	if r.ContentBytes > 0 {
		return r.ContentBytes
	}
	return 64 << 10
}
