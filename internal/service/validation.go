package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
	minAmericanOdds   = 100
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("american_odds", func(fl validator.FieldLevel) bool {
		odds := fl.Field().Int()
		return odds >= minAmericanOdds || odds <= -minAmericanOdds
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		o := sl.Current().Interface().(domain.OddsOutcome)
		if o.Min > o.Max {
			sl.ReportError(o.Min, "min", "Min", "bucket_range", "")
		}
	}, domain.OddsOutcome{})
	return v
}

// validateWager checks every user-controlled field of w.
func validateWager(w domain.Wager) error {
	title := strings.TrimSpace(w.Title)
	switch {
	case title == "":
		return domain.Invalid("title", "is required")
	case utf8.RuneCountInString(title) > maxTitleLen:
		return domain.Invalid("title", "must be at most %d characters", maxTitleLen)
	case utf8.RuneCountInString(w.Description) > maxDescriptionLen:
		return domain.Invalid("description", "must be at most %d characters", maxDescriptionLen)
	case !w.Metric.Valid():
		return domain.Invalid("metric", "unknown metric %q", w.Metric)
	case !w.TargetDate.Valid():
		return domain.Invalid("targetDate", "must be a YYYY-MM-DD calendar date")
	case w.LockTime.IsZero():
		return domain.Invalid("lockTime", "is required")
	case w.Terms == nil:
		return domain.Invalid("terms", "required")
	}
	return validateTerms(w.Terms)
}

func validateTerms(t domain.Terms) error {
	err := validate.Struct(t)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.Invalid("terms", "%v", err)
	}
	fe := verrs[0]
	return domain.Invalid(fieldPath(fe.Namespace()), "%s", describe(fe))
}

// fieldPath turns "OverUnderTerms.location.lat" into "terms.location.lat".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return "terms" + ns[i:]
	}
	return "terms"
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "american_odds":
		return fmt.Sprintf("%v is not valid American odds (|odds| must be at least %d)", fe.Value(), minAmericanOdds)
	case "bucket_range":
		return "min must not exceed max"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s entries", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}
