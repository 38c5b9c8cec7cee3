package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/yashrajoria/marketplace-payments/models"
)

// RegisterValidators adds the domain enum tags (payment_method,
// payment_status, period_type) to gin's binding validator.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected binding engine %T", binding.Validator.Engine())
	}
	return registerOn(v)
}

func registerOn(v *validator.Validate) error {
	tags := map[string]validator.Func{
		"payment_method": func(fl validator.FieldLevel) bool {
			return models.PaymentMethod(fl.Field().String()).Valid()
		},
		"payment_status": func(fl validator.FieldLevel) bool {
			return models.PaymentStatus(fl.Field().String()).Valid()
		},
		"period_type": func(fl validator.FieldLevel) bool {
			return models.PeriodType(fl.Field().String()).Valid()
		},
	}
	for tag, fn := range tags {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %s validation: %w", tag, err)
		}
	}
	return nil
}
