package runtime

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tcmartin/convoflow/pkg/models"
)

var (
	errEmptyReply = errors.New("reply is empty")

	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneNoise   = regexp.MustCompile(`[\s().\-/]`)
	digitsOnly   = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
)

// Answer is a reply that passed validation
type Answer struct {
	// Value is stored into InputSpec.Variable
	Value interface{}

	// Option is the matched option of menu and options inputs
	Option *models.InputOption
}

// ValidateReply checks a reply against the expected input shape
func ValidateReply(input models.InputSpec, msg models.InboundMessage) (Answer, error) {
	body := strings.TrimSpace(msg.Body)

	var answer Answer
	var err error
	switch input.Kind {
	case models.InputMenu, models.InputOptions:
		answer, err = matchOption(input.Options, body)
	case models.InputNumber:
		answer, err = parseNumber(body, input.Min, input.Max)
	case models.InputEmail:
		answer, err = parseEmail(body)
	case models.InputPhone:
		answer, err = parsePhone(body)
	case models.InputText, "":
		if body == "" && !msg.HasMedia() {
			return Answer{}, errEmptyReply
		}
		if body == "" {
			answer = Answer{Value: msg.MediaURL}
		} else {
			answer = Answer{Value: body}
		}
	default:
		return Answer{}, fmt.Errorf("unknown input kind %q", input.Kind)
	}
	if err != nil {
		return Answer{}, err
	}

	if input.Pattern != "" && body != "" {
		re, err := regexp.Compile(input.Pattern)
		if err != nil {
			return Answer{}, fmt.Errorf("invalid pattern %q: %w", input.Pattern, err)
		}
		if !re.MatchString(body) {
			return Answer{}, fmt.Errorf("reply does not match %s", input.Pattern)
		}
	}
	return answer, nil
}

// matchOption accepts a 1-based index, an option value or an option label
func matchOption(options []models.InputOption, body string) (Answer, error) {
	if body == "" {
		return Answer{}, errEmptyReply
	}
	if n, err := strconv.Atoi(body); err == nil && n >= 1 && n <= len(options) {
		opt := options[n-1]
		return Answer{Value: opt.Value, Option: &opt}, nil
	}
	for i := range options {
		opt := options[i]
		if strings.EqualFold(body, opt.Value) || (opt.Label != "" && strings.EqualFold(body, opt.Label)) {
			return Answer{Value: opt.Value, Option: &opt}, nil
		}
	}
	return Answer{}, fmt.Errorf("%q is not one of the offered options", body)
}

// parseNumber accepts both 1,234.5 and 1.234,5: the last separator is the
// decimal point
func parseNumber(body string, min, max *float64) (Answer, error) {
	if body == "" {
		return Answer{}, errEmptyReply
	}
	s := strings.ReplaceAll(body, " ", "")
	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")
	switch {
	case comma > dot:
		s = strings.ReplaceAll(s, ".", "")
		i := strings.LastIndex(s, ",")
		s = strings.ReplaceAll(s[:i], ",", "") + "." + s[i+1:]
	case dot > comma:
		s = strings.ReplaceAll(s, ",", "")
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Answer{}, fmt.Errorf("%q is not a number", body)
	}
	if min != nil && n < *min {
		return Answer{}, fmt.Errorf("%v is below the minimum %v", n, *min)
	}
	if max != nil && n > *max {
		return Answer{}, fmt.Errorf("%v is above the maximum %v", n, *max)
	}
	return Answer{Value: n}, nil
}

func parseEmail(body string) (Answer, error) {
	if body == "" {
		return Answer{}, errEmptyReply
	}
	if !emailPattern.MatchString(body) {
		return Answer{}, fmt.Errorf("%q is not an email address", body)
	}
	return Answer{Value: strings.ToLower(body)}, nil
}

func parsePhone(body string) (Answer, error) {
	if body == "" {
		return Answer{}, errEmptyReply
	}
	s := phoneNoise.ReplaceAllString(body, "")
	if !digitsOnly.MatchString(s) {
		return Answer{}, fmt.Errorf("%q is not a phone number", body)
	}
	return Answer{Value: s}, nil
}
