package models

import (
	"github.com/go-playground/validator/v10"

	"github.com/kellyson520/tg-forwarder/pkg/chatid"
)

// NewValidator returns a validator that also knows "chatref": a chat id
// or public username.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("chatref", func(fl validator.FieldLevel) bool {
		return chatid.Valid(fl.Field().String())
	})
	return v
}
