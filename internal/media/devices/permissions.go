package devices

// authorizationStatus mirrors AVAuthorizationStatus.
type authorizationStatus int

const (
	notDetermined authorizationStatus = 0
	restricted    authorizationStatus = 1
	denied        authorizationStatus = 2
	authorized    authorizationStatus = 3
)
