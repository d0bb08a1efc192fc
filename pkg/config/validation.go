package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for rules that cannot
// be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	switch cfg.Source.Type {
	case "file":
		if cfg.Source.File.Path == "" {
			return fmt.Errorf("source.file: path must be set when source.type is \"file\"")
		}
	case "s3":
		if cfg.Source.S3.Bucket == "" {
			return fmt.Errorf("source.s3: bucket must be set when source.type is \"s3\"")
		}
		if cfg.Source.S3.Key == "" {
			return fmt.Errorf("source.s3: key must be set when source.type is \"s3\"")
		}
		if (cfg.Source.S3.AccessKey == "") != (cfg.Source.S3.SecretKey == "") {
			return fmt.Errorf("source.s3: access_key and secret_key must be set together")
		}
	}

	if cfg.RateLimit.Burst != 0 && cfg.RateLimit.RequestsPerSecond == 0 {
		return fmt.Errorf("rate_limit: burst is set but requests_per_second is zero")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
