// ABOUTME: Input validation for conversation requests using go-playground/validator
// ABOUTME: Also holds the message metadata key whitelist

package conversation

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Input bounds
const (
	MaxNameLength           = 255
	MaxDescriptionLength    = 2000
	MaxSummaryPromptLength  = 5000
	MaxSummaryContentLength = 10000
	MaxSelectedMessageIDs   = 1000
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// allowedMetadataKeys is the complete set of keys a message may carry
var allowedMetadataKeys = map[string]struct{}{
	"model":                  {},
	"provider":               {},
	"token_count":            {},
	"agent_id":               {},
	"citations":              {},
	"source_message_id":      {},
	"merged_from_path_id":    {},
	"merge_mode":             {},
	"is_merge_summary":       {},
	"edited_from_message_id": {},
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

// validateVar checks a single value; field names it in the error
func validateVar(field string, value any, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		return fmt.Errorf("%w: %s %s", ErrValidation, field, describeFirst(err))
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s %s", ErrValidation, verrs[0].Field(), describe(verrs[0]))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

func describeFirst(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return describe(verrs[0])
	}
	return err.Error()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "exceeds maximum of " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "uuid":
		return "contains a malformed ID"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// validateMetadata rejects any key outside the whitelist
func validateMetadata(md map[string]any) error {
	for _, k := range slices.Sorted(maps.Keys(md)) {
		if _, ok := allowedMetadataKeys[k]; !ok {
			return fmt.Errorf("%w: metadata key %q is not allowed", ErrValidation, k)
		}
	}
	return nil
}
