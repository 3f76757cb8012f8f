package conf

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tphakala/audiograph/internal/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidationError collects every problem found in a Settings value
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("invalid settings: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks field ranges via struct tags, then the cross-field rules tags cannot express.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := structValidator().Struct(settings); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				ve.Errors = append(ve.Errors, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if settings.Engine.RampTimeConstant <= 0 {
		ve.Errors = append(ve.Errors, "engine.ramptimeconstant must be positive")
	}
	if settings.Engine.SuspendDelay < 0 {
		ve.Errors = append(ve.Errors, "engine.suspenddelay must not be negative")
	}
	// a suspend before the ramp has decayed would cut the tail audibly
	if settings.Engine.SuspendDelay > 0 && settings.Engine.SuspendDelay < 10*settings.Engine.RampTimeConstant {
		ve.Errors = append(ve.Errors, "engine.suspenddelay must be at least 10x engine.ramptimeconstant")
	}
	if settings.Resource.Retain < 0 {
		ve.Errors = append(ve.Errors, "resource.retain must not be negative")
	}
	if settings.Resource.Timeout <= 0 || settings.Resource.Timeout > 10*time.Minute {
		ve.Errors = append(ve.Errors, "resource.timeout must be between 0 and 10m")
	}
	if settings.Audio.LatencyFrames%128 != 0 {
		ve.Errors = append(ve.Errors, "audio.latencyframes must be a multiple of 128")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}
