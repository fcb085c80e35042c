package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	if cfg.MailMode != "" && cfg.MailMode != "http" && cfg.MailMode != "simulated" {
		errs = append(errs, ValidationError{
			Field:   "MAIL_MODE",
			Message: fmt.Sprintf("must be 'http' or 'simulated', got %q", cfg.MailMode),
		})
	}

	// The real provider needs an endpoint, credentials and a sender.
	if cfg.MailMode == "http" {
		if cfg.MailEndpoint == "" {
			errs = append(errs, ValidationError{
				Field:   "MAIL_ENDPOINT",
				Message: "required when MAIL_MODE=http",
			})
		}
		if cfg.MailAPIKey == "" {
			errs = append(errs, ValidationError{
				Field:   "MAIL_API_KEY",
				Message: "required when MAIL_MODE=http",
			})
		}
		if cfg.MailFrom == "" {
			errs = append(errs, ValidationError{
				Field:   "MAIL_FROM",
				Message: "required when MAIL_MODE=http",
			})
		}
	}

	positiveDurations := []struct {
		field string
		value string
	}{
		{"SCHEDULER_TICK", cfg.SchedulerTickStr},
		{"QUEUE_POLL_INTERVAL", cfg.QueuePollIntervalStr},
		{"STALE_JOB_AGE", cfg.StaleJobAgeStr},
		{"RECONCILE_INTERVAL", cfg.ReconcileIntervalStr},
		{"RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr},
	}
	for _, pd := range positiveDurations {
		if pd.value == "" {
			continue
		}
		d, err := time.ParseDuration(pd.value)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   pd.field,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   pd.field,
				Message: "must be positive",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
