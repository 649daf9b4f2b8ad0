package handler

import (
	"github.com/go-playground/validator/v10"
)

// formatValidationErrors turns validator errors into a field->constraint
// map for the error envelope's details object.
func formatValidationErrors(err error) map[string]string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
