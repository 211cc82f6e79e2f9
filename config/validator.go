package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("env", validateEnvironment)
	_ = validate.RegisterValidation("backend", validateBackend)
	_ = validate.RegisterValidation("cron", validateCron)
	validate.RegisterStructValidation(validateStoreConfig, StoreConfig{})
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Has reports whether any error concerns field. The field is matched against
// the end of the error's namespace, so "Store.Primary" matches
// "Config.Store.Primary".
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field || strings.HasSuffix(err.Field, "."+field) {
			return true
		}
	}
	return false
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			var details ValidationErrors
			for _, fe := range validationErrors {
				details = append(details, ConfigError{
					Field:   fe.Namespace(),
					Message: formatValidationError(fe),
					Value:   fe.Value(),
				})
			}
			return details
		}
		return err
	}
	return nil
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_if":
		return fmt.Sprintf("this field is required when %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	case "backend":
		return fmt.Sprintf("must be one of [%s]", strings.Join(backends, " "))
	case "cron":
		return "must be a cron expression or descriptor such as @every 1m"
	case "unique_backend":
		return "backend is listed more than once"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

var backends = []string{BackendInMemory, BackendRedis, BackendSQL, BackendBadger, BackendVector}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}

func validateBackend(fl validator.FieldLevel) bool {
	return slices.Contains(backends, fl.Field().String())
}

func validateCron(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

// validateStoreConfig rejects a backend that appears both as primary and
// secondary, or twice among the secondaries.
func validateStoreConfig(sl validator.StructLevel) {
	sc := sl.Current().Interface().(StoreConfig)
	seen := map[string]bool{sc.Primary: true}
	for i, name := range sc.Secondaries {
		if seen[name] {
			sl.ReportError(sc.Secondaries[i], fmt.Sprintf("Secondaries[%d]", i), "Secondaries", "unique_backend", "")
		}
		seen[name] = true
	}
}
