package proxy

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxLocationLength is the longest location accepted, in runes
const MaxLocationLength = 256

// DayLayout is the format of the date parameter and of the day in cache keys
const DayLayout = "2006-01-02"

type validatedRequest struct {
	Location string `validate:"required,max=256,location"`
	Day      string `validate:"omitempty,datetime=2006-01-02"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	// registration only fails for empty tags or nil functions
	_ = v.RegisterValidation("location", validLocation)
	return v
}

// validLocation rejects invalid UTF-8, control characters and URL structure characters
func validLocation(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if !utf8.ValidString(s) {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsControl(r) || strings.ContainsRune(`/\?#`, r)
	})
}

// validationDetail turns validator errors into a client-facing message
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}

	fe := verrs[0]
	switch fe.StructField() + "." + fe.Tag() {
	case "Location.required":
		return "location is required"
	case "Location.max":
		return "location must be at most 256 characters"
	case "Location.location":
		return `location must be valid UTF-8 and must not contain control characters or any of / \ ? #`
	case "Day.datetime":
		return "date must be formatted YYYY-MM-DD"
	default:
		return "invalid " + strings.ToLower(fe.Field())
	}
}
