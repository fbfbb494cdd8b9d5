package validation

import (
	"reflect"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"weekline/internal/weeks"
)

var instance = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(weeks.Date); ok {
			return d.String()
		}
		return nil
	}, weeks.Date{})
	_ = v.RegisterValidation("monday", func(fl validator.FieldLevel) bool {
		d, err := weeks.ParseDate(fl.Field().String())
		return err == nil && d.Weekday() == time.Monday
	})
	return v
})

// Struct validates v against its `validate` tags. Dates use the "monday" tag.
func Struct(v any) error {
	return instance().Struct(v)
}

// Var validates a single value against a tag expression.
func Var(v any, tag string) error {
	return instance().Var(v, tag)
}
