// Package validation checks descriptors and host configuration with struct tags.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/wasmproxy/wasmproxy/domain/entities"
)

// validate is a package-level singleton; validators cache struct metadata.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("plugin_name", func(fl validator.FieldLevel) bool {
		return IsPluginName(fl.Field().String())
	})
	return v
}

// IsPluginName reports whether name can be used as a single directory
// component under the plugin root.
func IsPluginName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`+"\x00")
}

// Struct validates v against its `validate` tags.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateDescriptor checks the fields a descriptor needs to be installed or loaded.
func ValidateDescriptor(d *entities.PluginDescriptor) *entities.ValidationResult {
	result := &entities.ValidationResult{Valid: true}
	if d == nil {
		result.Valid = false
		result.Errors = append(result.Errors, entities.ValidationError{Message: "descriptor is nil"})
		return result
	}

	err := validate.Struct(d)
	if err == nil {
		return result
	}

	result.Valid = false
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		result.Errors = append(result.Errors, entities.ValidationError{Message: err.Error()})
		return result
	}
	for _, fe := range verrs {
		result.Errors = append(result.Errors, entities.ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Message: describe(fe),
		})
	}
	return result
}

// Err folds a failed result into one error, or nil.
func Err(r *entities.ValidationResult) error {
	if r == nil || r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Field != "" {
			msgs = append(msgs, e.Field+": "+e.Message)
		} else {
			msgs = append(msgs, e.Message)
		}
	}
	return fmt.Errorf("invalid descriptor: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "plugin_name":
		return fmt.Sprintf("%q is not a valid plugin name", fe.Value())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
