package utils

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs go-playground validation tags on any request struct.
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}
