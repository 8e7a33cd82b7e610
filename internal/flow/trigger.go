package flow

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/flowsend/flowsend/internal/models"
)

// Matches reports whether an inbound message satisfies a trigger config.
// It is a pure predicate: no state, no I/O. A regex that fails to compile is
// treated as a non-match, never an error.
func Matches(cfg models.TriggerConfig, msg models.Message) bool {
	body := strings.ToLower(strings.TrimSpace(msg.Body))

	switch cfg.TriggerType {
	case models.TriggerTextEquals:
		return body == strings.ToLower(strings.TrimSpace(cfg.Text))
	case models.TriggerTextContains:
		return strings.Contains(body, strings.ToLower(cfg.Text))
	case models.TriggerTextStartsWith:
		return strings.HasPrefix(body, strings.ToLower(cfg.Text))
	case models.TriggerTextEndsWith:
		return strings.HasSuffix(body, strings.ToLower(cfg.Text))
	case models.TriggerTextRegex:
		re, err := compileTriggerPattern(cfg.Pattern, cfg.Flags)
		if err != nil {
			slog.Error("Trigger regex failed to compile", "pattern", cfg.Pattern, "error", err)
			return false
		}
		return re.MatchString(msg.Body)
	case models.TriggerAnyMessage:
		return true
	case models.TriggerMediaReceived:
		if !msg.HasMedia {
			return false
		}
		return cfg.MediaType == "" || cfg.MediaType == msg.MediaType
	default:
		slog.Debug("Unknown trigger type treated as non-match", "triggerType", cfg.TriggerType)
		return false
	}
}

// compileTriggerPattern builds the regex for a text_regex trigger. Flags
// default to case-insensitive when unset; an explicit flags string is mapped
// onto Go's inline flag syntax.
func compileTriggerPattern(pattern, flags string) (*regexp.Regexp, error) {
	inline := ""
	if flags == "" {
		inline = "i"
	} else {
		for _, f := range flags {
			switch f {
			case 'i', 'm', 's':
				inline += string(f)
			}
		}
	}
	if inline != "" {
		pattern = "(?" + inline + ")" + pattern
	}
	return regexp.Compile(pattern)
}
