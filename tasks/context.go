package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/taskmesh/errors"
)

// Params is the typed payload of a task. Each family has one variant.
type Params interface {
	Family() Family
	validate(t Type) error
}

// ContentParams drives content creation, review and translation.
type ContentParams struct {
	Topic           string `json:"topic,omitempty"`
	Language        string `json:"language,omitempty"`
	TargetLanguage  string `json:"targetLanguage,omitempty"`
	Tone            string `json:"tone,omitempty"`
	TargetAudience  string `json:"targetAudience,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
	SourceContentID string `json:"sourceContentId,omitempty"`
}

// MaxSessionMinutes bounds the length of generated meditation content.
const MaxSessionMinutes = 120

func (ContentParams) Family() Family { return FamilyContent }

func (p ContentParams) validate(t Type) error {
	if p.DurationMinutes < 0 || p.DurationMinutes > MaxSessionMinutes {
		return fmt.Errorf("durationMinutes must be within 0..%d", MaxSessionMinutes)
	}
	switch t {
	case TypeContentGeneration, TypeMeditationScript:
		if p.Topic == "" {
			return fmt.Errorf("%s needs a topic", t)
		}
	case TypeContentTranslation:
		if p.SourceContentID == "" || p.TargetLanguage == "" {
			return fmt.Errorf("%s needs sourceContentId and targetLanguage", t)
		}
	case TypeContentReview, TypeCulturalAdaptation, TypeAccessibilityReview, TypeQualityAssurance:
		if p.SourceContentID == "" {
			return fmt.Errorf("%s needs sourceContentId", t)
		}
	}
	return nil
}

// TimeRange bounds the data an insight looks at.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// InsightParams drives recommendations and user analyses.
type InsightParams struct {
	Range           *TimeRange `json:"range,omitempty"`
	Metrics         []string   `json:"metrics,omitempty"`
	SessionIDs      []string   `json:"sessionIds,omitempty"`
	JournalEntryIDs []string   `json:"journalEntryIds,omitempty"`
	MoodScale       int        `json:"moodScale,omitempty"`
}

func (InsightParams) Family() Family { return FamilyInsight }

func (p InsightParams) validate(t Type) error {
	if p.Range != nil && p.Range.To.Before(p.Range.From) {
		return fmt.Errorf("range ends before it starts")
	}
	if p.MoodScale < 0 {
		return fmt.Errorf("moodScale must not be negative")
	}
	if t == TypeJournalAnalysis && len(p.JournalEntryIDs) == 0 {
		return fmt.Errorf("%s needs journalEntryIds", t)
	}
	return nil
}

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "in_app"
)

// NotificationParams drives reminder and notification work.
type NotificationParams struct {
	Channel            Channel    `json:"channel,omitempty"`
	TemplateID         string     `json:"templateId,omitempty"`
	Message            string     `json:"message,omitempty"`
	SendAt             *time.Time `json:"sendAt,omitempty"`
	Timezone           string     `json:"timezone,omitempty"`
	QuietHours         []int      `json:"quietHours,omitempty"`
	RespectPrayerTimes bool       `json:"respectPrayerTimes,omitempty"`
	MaxPerDay          int        `json:"maxPerDay,omitempty"`
}

func (NotificationParams) Family() Family { return FamilyNotification }

func (p NotificationParams) validate(t Type) error {
	switch p.Channel {
	case "", ChannelPush, ChannelEmail, ChannelInApp:
	default:
		return fmt.Errorf("unknown channel %q", p.Channel)
	}
	if t == TypeNotificationScheduling && p.Channel == "" {
		return fmt.Errorf("%s needs a channel", t)
	}
	for _, h := range p.QuietHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("quiet hour %d outside 0..23", h)
		}
	}
	if p.MaxPerDay < 0 {
		return fmt.Errorf("maxPerDay must not be negative")
	}
	return nil
}

// MaintenanceParams drives sync, cleanup and evaluation jobs.
type MaintenanceParams struct {
	Scope         string `json:"scope,omitempty"`
	Target        string `json:"target,omitempty"`
	DryRun        bool   `json:"dryRun,omitempty"`
	BatchSize     int    `json:"batchSize,omitempty"`
	RetentionDays int    `json:"retentionDays,omitempty"`
}

func (MaintenanceParams) Family() Family { return FamilyMaintenance }

func (p MaintenanceParams) validate(t Type) error {
	if p.BatchSize < 0 {
		return fmt.Errorf("batchSize must not be negative")
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("retentionDays must not be negative")
	}
	if t == TypePerformanceEvaluation && p.Target == "" {
		return fmt.Errorf("%s needs a target agent", t)
	}
	return nil
}

// PrivacyLevel limits who may see a task's data.
type PrivacyLevel string

const (
	PrivacyStandard   PrivacyLevel = "standard"
	PrivacySensitive  PrivacyLevel = "sensitive"
	PrivacyRestricted PrivacyLevel = "restricted"
)

// Constraints restrict how and where a task runs.
type Constraints struct {
	RequiredCapabilities []string     `json:"requiredCapabilities,omitempty"`
	CulturalTag          string       `json:"culturalTag,omitempty"`
	PrivacyLevel         PrivacyLevel `json:"privacyLevel,omitempty"`
	Deadline             *time.Time   `json:"deadline,omitempty"`
	MaxDurationMs        int64        `json:"maxDurationMs,omitempty"`
}

// MaxDuration returns the execution limit, zero when unbounded.
func (c Constraints) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMs) * time.Millisecond
}

func (c Constraints) validate() error {
	switch c.PrivacyLevel {
	case "", PrivacyStandard, PrivacySensitive, PrivacyRestricted:
	default:
		return fmt.Errorf("unknown privacy level %q", c.PrivacyLevel)
	}
	if c.MaxDurationMs < 0 {
		return fmt.Errorf("maxDurationMs must not be negative")
	}
	for _, name := range c.RequiredCapabilities {
		if name == "" {
			return fmt.Errorf("empty required capability")
		}
	}
	return nil
}

// Context is the typed payload plus constraints of a task. Params holds one
// of ContentParams, InsightParams, NotificationParams or MaintenanceParams
// and must match the task type's family.
type Context struct {
	Params      Params
	Constraints Constraints
}

// Validate checks the context against task type t. A nil Params is
// replaced by the family's zero variant before checking.
func (c *Context) Validate(t Type) error {
	fam := t.Family()
	if fam == "" {
		return errors.InvalidInput(fmt.Sprintf("unknown task type %q", t))
	}
	if c.Params == nil {
		c.Params = zeroParams(fam)
	}
	if c.Params.Family() != fam {
		return errors.InvalidInput(fmt.Sprintf("%s params do not fit %s task %s", c.Params.Family(), fam, t))
	}
	if err := c.Params.validate(t); err != nil {
		return errors.InvalidInput(err.Error())
	}
	if err := c.Constraints.validate(); err != nil {
		return errors.InvalidInput(err.Error())
	}
	return nil
}

func zeroParams(f Family) Params {
	switch f {
	case FamilyContent:
		return ContentParams{}
	case FamilyInsight:
		return InsightParams{}
	case FamilyNotification:
		return NotificationParams{}
	case FamilyMaintenance:
		return MaintenanceParams{}
	}
	return nil
}

type contextJSON struct {
	Kind        Family          `json:"kind,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Constraints Constraints     `json:"constraints"`
}

// MarshalJSON encodes the context as {"kind", "params", "constraints"}.
func (c Context) MarshalJSON() ([]byte, error) {
	out := contextJSON{Constraints: c.Constraints}
	if c.Params != nil {
		data, err := json.Marshal(c.Params)
		if err != nil {
			return nil, err
		}
		out.Kind = c.Params.Family()
		out.Params = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes params into the variant named by kind.
func (c *Context) UnmarshalJSON(data []byte) error {
	var in contextJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.Constraints = in.Constraints
	c.Params = nil
	if in.Kind == "" {
		if len(in.Params) > 0 && string(in.Params) != "null" {
			return fmt.Errorf("context params without kind")
		}
		return nil
	}

	var (
		p   Params
		err error
	)
	switch in.Kind {
	case FamilyContent:
		var v ContentParams
		err = decodeParams(in.Params, &v)
		p = v
	case FamilyInsight:
		var v InsightParams
		err = decodeParams(in.Params, &v)
		p = v
	case FamilyNotification:
		var v NotificationParams
		err = decodeParams(in.Params, &v)
		p = v
	case FamilyMaintenance:
		var v MaintenanceParams
		err = decodeParams(in.Params, &v)
		p = v
	default:
		return fmt.Errorf("unknown context kind %q", in.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s params: %w", in.Kind, err)
	}
	c.Params = p
	return nil
}

func decodeParams(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c Context) clone() Context {
	out := Context{Constraints: c.Constraints}
	out.Constraints.RequiredCapabilities = append([]string(nil), c.Constraints.RequiredCapabilities...)
	out.Constraints.Deadline = cloneTime(c.Constraints.Deadline)
	switch p := c.Params.(type) {
	case InsightParams:
		if p.Range != nil {
			r := *p.Range
			p.Range = &r
		}
		p.Metrics = append([]string(nil), p.Metrics...)
		p.SessionIDs = append([]string(nil), p.SessionIDs...)
		p.JournalEntryIDs = append([]string(nil), p.JournalEntryIDs...)
		out.Params = p
	case NotificationParams:
		p.SendAt = cloneTime(p.SendAt)
		p.QuietHours = append([]int(nil), p.QuietHours...)
		out.Params = p
	default:
		// ContentParams and MaintenanceParams hold only values.
		out.Params = c.Params
	}
	return out
}
