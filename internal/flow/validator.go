package flow

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/flowsend/flowsend/internal/models"
)

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRe = regexp.MustCompile(`^\+?\d{1,16}$`)
)

// ValidateResponse reports whether a free-text reply satisfies the expected
// response contract. A nil contract accepts anything. Checks run in a fixed
// order and the first failure wins: required, length bounds, pattern, then
// the type-specific shape.
func ValidateResponse(response string, expected *models.ResponseConfig) bool {
	if expected == nil {
		return true
	}

	if v := expected.Validation; v != nil {
		if v.Required && strings.TrimSpace(response) == "" {
			return false
		}
		if v.MinLength > 0 && len(response) < v.MinLength {
			return false
		}
		if v.MaxLength > 0 && len(response) > v.MaxLength {
			return false
		}
		if v.Pattern != "" {
			re, err := regexp.Compile(v.Pattern)
			if err != nil {
				slog.Error("Response validation pattern failed to compile", "pattern", v.Pattern, "error", err)
				return false
			}
			if !re.MatchString(response) {
				return false
			}
		}
	}

	switch expected.ResponseType {
	case models.ResponseNumber:
		_, err := strconv.ParseFloat(strings.TrimSpace(response), 64)
		return err == nil
	case models.ResponseEmail:
		return emailRe.MatchString(strings.TrimSpace(response))
	case models.ResponsePhone:
		cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(response)
		return phoneRe.MatchString(cleaned)
	default:
		// any, text, and choice (routed separately) pass once the
		// validation rules above are satisfied.
		return true
	}
}

// validationErrorMessage composes the chat message sent back when a reply
// fails validation, most specific constraint first.
func validationErrorMessage(expected *models.ResponseConfig) string {
	if expected == nil {
		return "That is not a valid response. Please try again."
	}
	if expected.ResponseType == models.ResponseChoice && len(expected.Choices) > 0 {
		values := make([]string, len(expected.Choices))
		for i, c := range expected.Choices {
			values[i] = c.Value
		}
		return "Please reply with one of: " + strings.Join(values, ", ")
	}
	if v := expected.Validation; v != nil {
		if v.MinLength > 0 {
			return "Your response must be at least " + strconv.Itoa(v.MinLength) + " characters long."
		}
		if v.Pattern != "" {
			return "Your response does not match the expected format. Please try again."
		}
	}
	switch expected.ResponseType {
	case models.ResponseNumber:
		return "Please reply with a number."
	case models.ResponseEmail:
		return "Please reply with a valid email address."
	case models.ResponsePhone:
		return "Please reply with a valid phone number."
	default:
		return "That is not a valid response. Please try again."
	}
}
