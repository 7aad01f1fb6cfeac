package auth

// Recorder receives outcome counts from the authentication core and the
// authorization middleware. Outcomes are "success", "mfa_required" or an
// error Code.
type Recorder interface {
	Grant(grantType, outcome string)
	Resolve(outcome string)
	Authorization(check, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) Grant(string, string)         {}
func (nopRecorder) Resolve(string)               {}
func (nopRecorder) Authorization(string, string) {}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	return string(CodeInternal)
}
