package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"birthdaygreeter/internal/types"
)

// Validator wraps go-playground/validator with the domain tags:
//
//	iana_tz   the string resolves to an IANA timezone
//	ymd_date  the string is a YYYY-MM-DD date
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator that reports fields by their JSON names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("iana_tz", func(fl validator.FieldLevel) bool {
		return types.ValidateLocation(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("ymd_date", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(types.BirthdayLayout, fl.Field().String())
		return err == nil
	})

	return &Validator{validate: v}
}

// ValidateStruct validates s and converts the first failure into an
// AppError whose code matches the failing tag.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "invalid request", err)
	}

	fe := verrs[0]
	field := fe.Field()
	details := map[string]any{"field": field}
	switch fe.Tag() {
	case "required":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			fmt.Sprintf("%s is required", field), err, details)
	case "iana_tz":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("%s must be an IANA timezone such as America/New_York", field), err, details)
	case "ymd_date":
		code := types.ErrCodeValidationInvalidField
		if field == "birthday" {
			code = types.ErrCodeValidationInvalidBirthday
		}
		return types.NewAppErrorWithDetails(code,
			fmt.Sprintf("%s must be a date in YYYY-MM-DD format", field), err, details)
	case "max":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
			fmt.Sprintf("%s must be at most %s characters", field, fe.Param()), err, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
			fmt.Sprintf("%s is invalid", field), err, details)
	}
}
