// Package validation checks cmakectl settings before a build tree is touched
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/poltergeist/cmakectl/pkg/cmake"
	"github.com/poltergeist/cmakectl/pkg/config"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

// ValidationLevel represents error severity
type ValidationLevel string

const (
	ValidationLevelError   ValidationLevel = "error"
	ValidationLevelWarning ValidationLevel = "warning"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
	Level   ValidationLevel
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Level, e.Field, e.Message)
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// AddError adds an error to the validation result
func (r *ValidationResult) AddError(field, message string, level ValidationLevel) {
	r.Errors = append(r.Errors, ValidationError{
		Field:   field,
		Message: message,
		Level:   level,
	})
	if level == ValidationLevelError {
		r.Valid = false
	}
}

// Warnings returns the non-fatal findings
func (r *ValidationResult) Warnings() []ValidationError {
	var out []ValidationError
	for _, e := range r.Errors {
		if e.Level == ValidationLevelWarning {
			out = append(out, e)
		}
	}
	return out
}

// Err joins the error-level findings, or returns nil
func (r *ValidationResult) Err() error {
	var errs []error
	for i := range r.Errors {
		if r.Errors[i].Level == ValidationLevelError {
			errs = append(errs, &r.Errors[i])
		}
	}
	return errors.Join(errs...)
}

// SettingsValidator validates settings against the filesystem
type SettingsValidator struct {
	generators []string
}

// NewSettingsValidator creates a validator. When generators is non-empty
// the configured generator must be one of them.
func NewSettingsValidator(generators []string) *SettingsValidator {
	return &SettingsValidator{generators: generators}
}

// Validate validates settings
func (v *SettingsValidator) Validate(s *config.Settings) *ValidationResult {
	result := &ValidationResult{Valid: true}

	v.validateDirectories(s, result)
	v.validateGenerator(s, result)
	v.validateLogging(s, result)
	v.validateWatch(s, result)

	return result
}

func (v *SettingsValidator) validateDirectories(s *config.Settings, result *ValidationResult) {
	build := utils.NormalizePath(s.BuildDir)
	source := utils.NormalizePath(s.SourceDir)

	if build == "" {
		result.AddError("build", "build directory is required", ValidationLevelError)
	} else if utils.FileExists(build) {
		result.AddError("build", fmt.Sprintf("%s is a file", build), ValidationLevelError)
	}

	hasCache := build != "" && utils.FileExists(filepath.Join(build, cmake.CacheFileName))

	switch {
	case source == "":
		if !hasCache {
			result.AddError("source", "source directory is required for a new build tree", ValidationLevelError)
		}
	case !utils.DirectoryExists(source):
		result.AddError("source", fmt.Sprintf("%s does not exist", source), ValidationLevelError)
	case !utils.FileExists(filepath.Join(source, "CMakeLists.txt")):
		result.AddError("source", fmt.Sprintf("%s does not contain CMakeLists.txt", source), ValidationLevelError)
	}

	if source != "" && utils.SamePath(source, build) {
		result.AddError("build", "in-source build; generated files will mix with sources", ValidationLevelWarning)
	}
}

func (v *SettingsValidator) validateGenerator(s *config.Settings, result *ValidationResult) {
	if s.Generator == "" || len(v.generators) == 0 {
		return
	}
	for _, g := range v.generators {
		if g == s.Generator {
			return
		}
	}
	result.AddError("generator", fmt.Sprintf("unknown generator %q", s.Generator), ValidationLevelError)
}

func (v *SettingsValidator) validateLogging(s *config.Settings, result *ValidationResult) {
	if s.LogLevel == "" {
		return
	}
	if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
		result.AddError("log_level", fmt.Sprintf("invalid log level %q", s.LogLevel), ValidationLevelError)
	}
}

func (v *SettingsValidator) validateWatch(s *config.Settings, result *ValidationResult) {
	if s.Watch.Debounce < 0 {
		result.AddError("watch.debounce", "debounce must not be negative", ValidationLevelError)
	}
	if _, err := utils.NewPatternMatcher(s.Watch.Patterns); err != nil {
		result.AddError("watch.patterns", err.Error(), ValidationLevelError)
	}
	if len(s.Watch.Patterns) == 0 {
		result.AddError("watch.patterns", "no patterns; default build script patterns apply", ValidationLevelWarning)
	}

	// a literal relative path should name a file in the source tree
	source := utils.NormalizePath(s.SourceDir)
	for _, p := range s.Watch.Patterns {
		p = utils.NormalizePattern(p)
		if source == "" || !strings.Contains(p, "/") || strings.HasPrefix(p, "/") || utils.IsGlobPattern(p) {
			continue
		}
		if !utils.FileExists(filepath.Join(source, filepath.FromSlash(p))) {
			result.AddError("watch.patterns", fmt.Sprintf("%s matches no file in the source tree", p), ValidationLevelWarning)
		}
	}
}
