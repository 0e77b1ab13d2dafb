package controllers

import (
	"github.com/go-playground/validator/v10"
)

// validatorErrors is matched with errors.As to translate request
// validation failures into 400 responses.
type validatorErrors = validator.ValidationErrors
