// Package validation holds the request validator shared by every create
// entry point.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"notifyd/internal/domain"
)

var reTypeName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// New returns a validator with the json field names and the channel,
// priority and notification_type rules registered.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return domain.Channel(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		return domain.Priority(fl.Field().String()).Valid()
	})
	// Unknown but well-formed types are accepted; preferences treat them as enabled.
	_ = v.RegisterValidation("notification_type", func(fl validator.FieldLevel) bool {
		return reTypeName.MatchString(fl.Field().String())
	})
	return v
}

// Describe flattens validator errors into "field: rule" pairs.
func Describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), rule))
	}
	return strings.Join(parts, "; ")
}
