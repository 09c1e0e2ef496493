package middleware

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kellyson520/tg-forwarder/internal/models"
)

type Validator struct {
	validate *validator.Validate
}

// NewValidator reports fields by their wire name. Domain tags such as
// "chatref" come from models.NewValidator.
func NewValidator() *Validator {
	validate := models.NewValidator()

	commonTags := []string{"json", "param", "query", "header"}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range commonTags {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return ""
	})

	return &Validator{validate: validate}
}

func (v *Validator) Validate(i any) error {
	return v.validate.Struct(i)
}
