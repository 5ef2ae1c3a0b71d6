package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxContentLength is the longest message body accepted, in runes.
const MaxContentLength = 512

// usernameSymbols are the punctuation characters allowed in a username
// besides letters and digits. NameSeparator and ':' are never allowed since
// they delimit conversation names and storage keys.
const usernameSymbols = "@+-_"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return validUsername(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register username validation: %v", err))
	}
	return v
}

func validUsername(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune(usernameSymbols, r) {
			return false
		}
	}
	return true
}

// ValidationError reports content or identifiers that break the message rules.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type contentRules struct {
	Content string `validate:"required,max=512"`
}

type usernameRules struct {
	Username string `validate:"required,max=150,username"`
}

// ValidateContent checks a message body: non-blank, at most MaxContentLength
// runes, valid UTF-8 and free of control characters other than whitespace.
func ValidateContent(content string) error {
	if !utf8.ValidString(content) {
		return &ValidationError{Field: "content", Reason: "not valid UTF-8"}
	}
	if err := validate.Struct(contentRules{Content: strings.TrimSpace(content)}); err != nil {
		return fieldError("content", err)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("longer than %d characters", MaxContentLength)}
	}
	for _, r := range content {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return &ValidationError{Field: "content", Reason: fmt.Sprintf("control character %U", r)}
		}
	}
	return nil
}

// ValidateUsername checks a participant username: 1-150 letters, digits
// or any of @+-_.
func ValidateUsername(username string) error {
	if err := validate.Struct(usernameRules{Username: username}); err != nil {
		return fieldError("username", err)
	}
	return nil
}

func fieldError(field string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "required":
			return &ValidationError{Field: field, Reason: "required"}
		case "username":
			return &ValidationError{Field: field, Reason: "may only contain letters, digits and " + usernameSymbols}
		case "max":
			return &ValidationError{Field: field, Reason: "longer than " + verrs[0].Param() + " characters"}
		default:
			return &ValidationError{Field: field, Reason: verrs[0].Tag()}
		}
	}
	return &ValidationError{Field: field, Reason: err.Error()}
}
