package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"villaops/internal/domain"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// validateStruct collects every failed rule into a ValidationError.
func validateStruct(v *validator.Validate, s interface{}) (*domain.ValidationError, error) {
	verr := &domain.ValidationError{}
	err := v.Struct(s)
	if err == nil {
		return verr, nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil, err
	}
	for _, fe := range fieldErrs {
		verr.Add(fe.Field(), reasonFor(fe))
	}
	return verr, nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "datetime":
		return "must be formatted as " + fe.Param()
	case "gtfield":
		return "must be after " + snakeCase(fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
