// Package validate wraps go-playground/validator with the custom rules the
// request types use and turns the first failure into an apperror naming the
// offending JSON field.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/identity-core/internal/apperror"
)

// v is the package-level singleton validator. Custom rules are registered in
// init() before the first call to Struct.
var v = validator.New(validator.WithRequiredStructEnabled())

func init() {
	// Report fields by their JSON name so messages match what clients sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	if err := v.RegisterValidation("lettersspaces", lettersAndSpaces); err != nil {
		panic(fmt.Sprintf("validate: registering lettersspaces: %v", err))
	}
}

// lettersAndSpaces accepts Unicode letters and plain spaces only.
func lettersAndSpaces(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	for _, r := range s {
		if r != ' ' && !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// Struct validates s using its validate tags. It returns nil or an
// *apperror.AppError (ErrValidation) describing the first violation.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return apperror.ValidationFailed("", err.Error())
	}

	fe := ve[0]
	return apperror.ValidationFailed(fe.Field(), message(fe))
}

func message(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "lettersspaces":
		return fmt.Sprintf("%s may contain only letters and spaces", field)
	}
	return fmt.Sprintf("field '%s' failed '%s'", field, fe.Tag())
}
