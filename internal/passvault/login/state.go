package login

import (
	"finitefield.org/passvault/internal/passvault/identity"
)

// User-facing messages.
const (
	MessageUnverified      = "Email is not verified, please verify your email to login."
	MessageInvalidLogin    = "Invalid Email or password"
	MessageTooManyAttempts = "Too many attempts! Please try again later"
	MessageUnknown         = "Something went wrong"
)

// HomeRoute is where verified users are sent.
const HomeRoute = "/Home"

// Phase is the coarse state of the login view.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseSuccess
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePending:
		return "pending"
	case PhaseSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// State is the view's UI state. A failed attempt is PhaseIdle with Error set.
type State struct {
	Phase Phase
	Error string
}

// Failed reports whether the last attempt left an error message.
func (s State) Failed() bool {
	return s.Phase == PhaseIdle && s.Error != ""
}

// Busy reports whether a new submission would be rejected.
func (s State) Busy() bool {
	return s.Phase == PhasePending || s.Phase == PhaseSuccess
}

// Input is the submitted form. It is never persisted.
type Input struct {
	Email    string
	Password string
}

// Outcome is the classification of a failed sign-in.
type Outcome struct {
	// Code is the provider error code, kept for logging.
	Code string
	// Message is what the user sees.
	Message string
	// Known is false for codes without a dedicated message.
	Known bool
}

// Classify maps a sign-in error to the message shown to the user.
func Classify(err error) Outcome {
	code := identity.ErrorCode(err)
	switch code {
	case "":
		return Outcome{}
	case identity.CodeInvalidCredential:
		return Outcome{Code: code, Message: MessageInvalidLogin, Known: true}
	case identity.CodeTooManyRequests:
		return Outcome{Code: code, Message: MessageTooManyAttempts, Known: true}
	default:
		return Outcome{Code: code, Message: MessageUnknown}
	}
}
