// Package discount recognizes the promotional code typed at checkout. It only
// produces feedback; prices are never adjusted.
package discount

import "strings"

// DefaultCode is the single recognized code when none is configured.
const DefaultCode = "AREEJ10"

// Status is the outcome of a code check.
type Status string

const (
	StatusNone    Status = "none"
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
)

// Result is what the checkout page shows under the code field.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Checker matches input against one code.
type Checker struct {
	code string
}

// NewChecker normalizes code the same way input is normalized.
func NewChecker(code string) Checker {
	code = normalize(code)
	if code == "" {
		code = DefaultCode
	}
	return Checker{code: code}
}

// Code returns the recognized code.
func (c Checker) Code() string { return c.code }

// Check trims and uppercases input before comparing.
func (c Checker) Check(input string) Result {
	got := normalize(input)
	switch {
	case got == "":
		return Result{Status: StatusNone}
	case got == c.code:
		return Result{Status: StatusValid, Message: "Code " + c.code + " is valid."}
	default:
		return Result{Status: StatusInvalid, Message: "That code is not valid."}
	}
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
