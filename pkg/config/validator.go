package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/schedule"
	"github.com/jdziat/simple-mail-spool/pkg/security"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // config key path, e.g. "workers.threads"
	Value   any
	Message string
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidDrivers returns the supported spool drivers.
func ValidDrivers() []string {
	return []string{DriverSQLite, DriverPostgres, DriverFile, DriverMemory}
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the supported log formats.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the Config and returns every problem found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, c.validateSpool()...)
	errs = append(errs, c.validateWorkers()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateMaintenance()...)
	errs = append(errs, c.validateDelivery()...)
	errs = append(errs, c.validateProcessors()...)
	return errs
}

func (c *Config) validateSpool() []ValidationError {
	var errs []ValidationError
	s := c.Spool

	if !slices.Contains(ValidDrivers(), s.Driver) {
		errs = append(errs, ValidationError{
			Field:   "spool.driver",
			Value:   s.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDrivers(), ", ")),
		})
	}
	if (s.Driver == DriverPostgres || s.Driver == DriverSQLite) && s.DSN == "" {
		errs = append(errs, ValidationError{Field: "spool.dsn", Value: s.DSN, Message: "required for driver " + s.Driver})
	}
	if s.Driver == DriverFile && s.Dir == "" {
		errs = append(errs, ValidationError{Field: "spool.dir", Value: s.Dir, Message: "required for driver file"})
	}
	if s.RetryDelay < 0 {
		errs = append(errs, ValidationError{Field: "spool.retry_delay", Value: s.RetryDelay, Message: "must be non-negative"})
	}
	if s.LockTTL < 0 {
		errs = append(errs, ValidationError{Field: "spool.lock_ttl", Value: s.LockTTL, Message: "must be non-negative"})
	}
	return errs
}

func (c *Config) validateWorkers() []ValidationError {
	var errs []ValidationError
	if c.Workers.Threads < 1 || c.Workers.Threads > security.MaxThreads {
		errs = append(errs, ValidationError{
			Field:   "workers.threads",
			Value:   c.Workers.Threads,
			Message: fmt.Sprintf("must be between 1 and %d", security.MaxThreads),
		})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.Format != "" && !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}
	return errs
}

func (c *Config) validateMaintenance() []ValidationError {
	if c.Maintenance.Schedule == "" {
		return nil
	}
	if _, err := schedule.Parse(c.Maintenance.Schedule); err != nil {
		return []ValidationError{{Field: "maintenance.schedule", Value: c.Maintenance.Schedule, Message: err.Error()}}
	}
	return nil
}

func (c *Config) validateDelivery() []ValidationError {
	var errs []ValidationError
	d := c.Delivery

	for _, domain := range d.LocalDomains {
		if strings.TrimSpace(domain) == "" || strings.ContainsAny(domain, "@ \t") {
			errs = append(errs, ValidationError{Field: "delivery.local_domains", Value: domain, Message: "invalid domain"})
		}
	}
	if d.Postmaster != "" {
		if err := security.ValidateAddress(d.Postmaster); err != nil {
			errs = append(errs, ValidationError{Field: "delivery.postmaster", Value: d.Postmaster, Message: "invalid address"})
		}
	}
	if d.Smarthost != "" && !strings.Contains(d.Smarthost, ":") {
		errs = append(errs, ValidationError{Field: "delivery.smarthost", Value: d.Smarthost, Message: "must be host:port"})
	}
	return errs
}

// validateProcessors checks the shape of the processor map. Matcher and
// mailet names are resolved when the pipelines are built.
func (c *Config) validateProcessors() []ValidationError {
	var errs []ValidationError

	for _, required := range []string{core.StateDefault, core.StateError} {
		if _, ok := c.Processors[required]; !ok {
			errs = append(errs, ValidationError{Field: "processors", Value: required, Message: "required processor missing"})
		}
	}

	names := make([]string, 0, len(c.Processors))
	for name := range c.Processors {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		field := "processors." + name
		if name == core.StateGhost {
			errs = append(errs, ValidationError{Field: field, Value: name, Message: "name is reserved"})
			continue
		}
		if err := security.ValidateProcessorName(name); err != nil {
			errs = append(errs, ValidationError{Field: field, Value: name, Message: "invalid processor name"})
			continue
		}
		for i, st := range c.Processors[name] {
			if strings.TrimSpace(st.Mailet) == "" {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d].mailet", field, i),
					Value:   st.Mailet,
					Message: "mailet is required",
				})
			}
		}
	}
	return errs
}
