package auth

// LoginPageData encapsulates rendering state for the login screen.
type LoginPageData struct {
	Email   string
	Error   string
	Message string
	Pending bool
	Success bool

	LoginPath          string
	StatusPath         string
	ForgotPasswordPath string
	SignUpPath         string
	CSRFToken          string
	Environment        string

	// PollEvery is the htmx polling interval while a sign-in is in progress, e.g. "500ms".
	PollEvery string
	// RefreshSeconds drives the meta refresh used when scripting is unavailable.
	RefreshSeconds int
}

// Busy reports whether the form should be locked and the panel should poll.
func (d LoginPageData) Busy() bool {
	return d.Pending || d.Success
}

// Phase names the panel state for styling and test hooks.
func (d LoginPageData) Phase() string {
	switch {
	case d.Success:
		return "success"
	case d.Pending:
		return "pending"
	case d.Error != "":
		return "failed"
	default:
		return "idle"
	}
}

// HomePageData is the landing page for signed-in users.
type HomePageData struct {
	Email       string
	LogoutPath  string
	CSRFToken   string
	Environment string
}
