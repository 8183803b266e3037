package utils

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

// Event type names are dotted lowercase, e.g. "order.created".
var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return IsValidEventType(fl.Field().String())
	})
}

// ValidateStruct validates a struct using validation tags
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// IsValidEventType checks a dotted event type name like "order.created".
func IsValidEventType(eventType string) bool {
	return eventTypePattern.MatchString(eventType)
}
