package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Aegis-Gate/Aegisgate/internal/domain/policy"
)

// RegisterCustomValidators registers the engine-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("iana_timezone", validateTimezone); err != nil {
		return fmt.Errorf("register iana_timezone validator: %w", err)
	}
	if err := v.RegisterValidation("safe_regex", validateSafeRegex); err != nil {
		return fmt.Errorf("register safe_regex validator: %w", err)
	}
	v.RegisterStructValidation(validateTimeWindow, policy.TimeWindow{})
	return nil
}

// validateTimezone accepts any loadable IANA zone name.
func validateTimezone(fl validator.FieldLevel) bool {
	_, err := time.LoadLocation(fl.Field().String())
	return err == nil
}

// validateSafeRegex applies the same safety rules the policy compiler
// applies to condition patterns.
func validateSafeRegex(fl validator.FieldLevel) bool {
	return policy.PatternSafe(fl.Field().String())
}

// validateTimeWindow checks that both clock bounds parse.
func validateTimeWindow(sl validator.StructLevel) {
	w := sl.Current().Interface().(policy.TimeWindow)
	if policy.ParseClockMinutes(w.After) < 0 {
		sl.ReportError(w.After, "After", "after", "clock_window", "")
	}
	if policy.ParseClockMinutes(w.Before) < 0 {
		sl.ReportError(w.Before, "Before", "before", "clock_window", "")
	}
}

// Validate runs struct tag validation plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateWindowReferences()
}

// validateWindowReferences ensures every named window a condition
// references is declared.
func (c *Config) validateWindowReferences() error {
	for i := range c.Policies {
		p := &c.Policies[i]
		for j := range p.Rules {
			if name := missingWindowRef(p.Rules[j].Conditions, c.TimeWindows); name != "" {
				return fmt.Errorf("policy %q rule %q references undeclared time window %q",
					p.ID, p.Rules[j].ID, name)
			}
		}
	}
	return nil
}

func missingWindowRef(conds []policy.Condition, windows map[string]policy.TimeWindow) string {
	for i := range conds {
		c := &conds[i]
		switch c.Kind {
		case policy.CondTime:
			if c.Time != nil && c.Time.Window != "" {
				if _, ok := windows[c.Time.Window]; !ok {
					return c.Time.Window
				}
			}
		case policy.CondAny:
			if name := missingWindowRef(c.Any, windows); name != "" {
				return name
			}
		case policy.CondNot:
			if c.Not != nil {
				if name := missingWindowRef([]policy.Condition{*c.Not}, windows); name != "" {
					return name
				}
			}
		}
	}
	return ""
}

// formatValidationErrors turns validator errors into one actionable
// message per failed field.
func formatValidationErrors(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var msgs []string
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q validation (value %v)",
			fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
}
