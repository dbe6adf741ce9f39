package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/wheelsort/wheelsort/pkg/topology"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("env", validateEnvironment)
	_ = validate.RegisterValidation("host", validateHost)
	validate.RegisterStructValidation(validateEMC, EMCConfig{})
	validate.RegisterStructValidation(validateSorter, SorterConfig{})
	validate.RegisterStructValidation(validateStorage, StorageConfig{})
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

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
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
	case "required", "required_if":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "transport_endpoint":
		return "the selected transport needs an address, a url or serve enabled"
	case "badger_path":
		return "badger storage needs a path"
	case "layout":
		return fmt.Sprintf("invalid layout: %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

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

// validateHost accepts hostnames, IPv4 addresses and bracketless IPv6.
func validateHost(fl validator.FieldLevel) bool {
	host := fl.Field().String()
	if host == "" || len(host) > 253 {
		return false
	}
	for _, r := range host {
		if !isValidHostChar(r) {
			return false
		}
	}
	return true
}

func isValidHostChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '.' || r == ':'
}

// validateEMC checks that the selected transport can reach its peers.
func validateEMC(sl validator.StructLevel) {
	c := sl.Current().Interface().(EMCConfig)
	if !c.Enabled {
		return
	}
	switch c.Transport {
	case "redis":
		if c.Redis.Address == "" {
			sl.ReportError(c.Redis.Address, "Redis.Address", "Address", "transport_endpoint", "")
		}
	case "websocket":
		if !c.WebSocket.Serve && c.WebSocket.URL == "" {
			sl.ReportError(c.WebSocket.URL, "WebSocket.URL", "URL", "transport_endpoint", "")
		}
	case "grpc":
		if !c.GRPC.Serve && c.GRPC.Address == "" {
			sl.ReportError(c.GRPC.Address, "GRPC.Address", "Address", "transport_endpoint", "")
		}
	}
}

// validateSorter checks the layout for duplicates.
func validateSorter(sl validator.StructLevel) {
	c := sl.Current().Interface().(SorterConfig)
	if len(c.Positions) == 0 {
		return
	}
	if _, err := topology.NewLayout(c.Positions); err != nil {
		sl.ReportError(c.Positions, "Positions", "Positions", "layout", err.Error())
	}
}

func validateStorage(sl validator.StructLevel) {
	c := sl.Current().Interface().(StorageConfig)
	if c.Type == "badger" && c.Badger.Path == "" {
		sl.ReportError(c.Badger.Path, "Badger.Path", "Path", "badger_path", "")
	}
}
