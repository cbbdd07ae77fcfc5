package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	// attr=value pairs separated by commas, e.g. dc=example,dc=com
	dnPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*=[^,=]+(,\s*[A-Za-z][A-Za-z0-9-]*=[^,=]+)*$`)
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterValidation("basedn", func(fl validator.FieldLevel) bool {
			return IsBaseDN(fl.Field().String())
		})
		validate.RegisterValidation("hostport", func(fl validator.FieldLevel) bool {
			return checkHostPort(fl.Field().String()) == nil
		})
	})
	return validate
}

// IsBaseDN reports whether dn looks like a distinguished name.
func IsBaseDN(dn string) bool {
	return dnPattern.MatchString(strings.TrimSpace(dn))
}

// ValidateStruct checks the `validate` tags of s.
func ValidateStruct(s any) error {
	if s == nil {
		return errors.New("cannot validate nil")
	}
	return formatValidationError(validatorInstance().Struct(s))
}

// ValidateVar checks a single value against a tag expression.
func ValidateVar(v any, tag string) error {
	return formatValidationError(validatorInstance().Var(v, tag))
}

// formatValidationError turns validator errors into one readable error per field.
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	errs := make([]error, 0, len(validationErrs))
	for _, e := range validationErrs {
		field := e.Namespace()
		if field == "" {
			field = "value"
		}
		switch e.Tag() {
		case "required":
			errs = append(errs, fmt.Errorf("%s: field is required", field))
		case "min", "gte":
			errs = append(errs, fmt.Errorf("%s: must be at least %s", field, e.Param()))
		case "max", "lte":
			errs = append(errs, fmt.Errorf("%s: must not exceed %s", field, e.Param()))
		case "oneof":
			errs = append(errs, fmt.Errorf("%s: must be one of [%s]", field, e.Param()))
		case "basedn":
			errs = append(errs, fmt.Errorf("%s: %q is not a valid base DN", field, e.Value()))
		case "hostport":
			errs = append(errs, fmt.Errorf("%s: %q is not a host:port address", field, e.Value()))
		default:
			errs = append(errs, fmt.Errorf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return errors.Join(errs...)
}
