package redirect

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tfkr-ae/redirector/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RawTarget is the target as entered by the user.
type RawTarget struct {
	Host  string
	Port  string
	HTTPS bool
}

type targetFields struct {
	Scheme string `validate:"oneof=http https"`
	Host   string `validate:"required"`
	Port   int    `validate:"min=1,max=65535"`
}

// ParseTarget validates raw input and builds a Target. The host is trimmed and must not be
// blank, the port must be an integer in [1,65535]. No network access happens here.
func ParseTarget(raw RawTarget) (domain.Target, error) {
	port, err := strconv.Atoi(raw.Port)
	if err != nil {
		return domain.Target{}, fmt.Errorf("%w : port %q is not a number", ErrInvalidSpec, raw.Port)
	}

	target := domain.Target{
		Scheme: domain.SchemeFromHTTPS(raw.HTTPS),
		Host:   strings.TrimSpace(raw.Host),
		Port:   port,
	}
	if err := ValidateTarget(target); err != nil {
		return domain.Target{}, err
	}
	return target, nil
}

// ValidateTarget checks the structure of an already built Target.
func ValidateTarget(target domain.Target) error {
	fields := targetFields{
		Scheme: string(target.Scheme),
		Host:   strings.TrimSpace(target.Host),
		Port:   target.Port,
	}

	err := validate.Struct(fields)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		fieldErr := validationErrs[0]
		return fmt.Errorf("%w : %s failed on %q (%v)", ErrInvalidSpec, strings.ToLower(fieldErr.Field()), fieldErr.Tag(), fieldErr.Value())
	}
	return fmt.Errorf("%w : %w", ErrInvalidSpec, err)
}
