package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct runs `validate` tags on obj. The first failing field is turned
// into a validation AppError; fieldCodes maps struct field names to stable codes
// and anything unmapped reports INVALID_REQUEST.
func ValidateStruct(obj any, fieldCodes map[string]string) error {
	err := getValidator().Struct(obj)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return NewValidationError(CodeInvalidRequest, err.Error())
	}

	failed := ProcessValidationErrors(err)
	fields := make([]string, 0, len(failed))
	for f := range failed {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	first := validationErrors[0]
	code := CodeInvalidRequest
	if c, ok := fieldCodes[first.StructField()]; ok {
		code = c
	}
	msg := fmt.Sprintf("invalid %s", strings.Join(fields, ", "))
	if first.Tag() == "oneof" {
		msg = fmt.Sprintf("invalid %s %q (allowed: %s)", first.Field(), fmt.Sprint(first.Value()), strings.ReplaceAll(first.Param(), " ", ", "))
	}
	return NewValidationError(code, msg)
}
