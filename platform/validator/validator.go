// Package validator wraps request validation behind a small injectable type.
package validator

import "github.com/go-playground/validator/v10"

// Validator validates request payloads against struct tags.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	return &Validator{v: validator.New()}
}

// Struct checks every tagged field of s.
func (val *Validator) Struct(s any) error {
	return val.v.Struct(s)
}

// Var checks a single value against a tag expression.
func (val *Validator) Var(field any, tag string) error {
	return val.v.Var(field, tag)
}

// RegisterValidation adds a custom tag.
func (val *Validator) RegisterValidation(tag string, fn validator.Func) error {
	return val.v.RegisterValidation(tag, fn)
}
