package middleware

// authEnvelope matches the api package's envelope format for error
// responses written directly by middleware. This avoids importing the api
// package, which would create a circular dependency.
type authEnvelope struct {
	Error string `json:"error,omitempty"`
}
