package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/model"
)

var validate = validator.New()

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._-]{0,99}$`)

func init() {
	validate.RegisterValidation("keyname", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("scope", func(fl validator.FieldLevel) bool {
		return slices.Contains(model.AllScopes, fl.Field().String())
	})
	validate.RegisterValidation("event", func(fl validator.FieldLevel) bool {
		return slices.Contains(model.SubscribableEvents, fl.Field().String())
	})
}

// Decode parses a JSON body into v and validates it. Failures are returned as
// VALIDATION_FAILED errors with per-field details.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.ValidationFailed, fmt.Sprintf("invalid JSON: %v", err), err)
	}
	if err := validate.Struct(v); err != nil {
		e := apperr.Wrap(apperr.ValidationFailed, fmt.Sprintf("validation error: %v", err), err)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			e = e.WithDetails(map[string]any{"fields": fields})
		}
		return e
	}
	return nil
}

func RequireID(s string) (string, error) {
	if s == "" {
		return "", apperr.New(apperr.ValidationFailed, "missing required ID")
	}
	return s, nil
}
