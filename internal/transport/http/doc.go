// Package http implements the HTTP request handlers for the KeyGate admin
// console and the licensed application. It is a thin layer between transport
// and the license package: handlers parse and validate requests, call the
// issuer or engine, and translate domain errors into HTTP responses.
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Issuer/Engine → Store
//	                                              ↓
//	HTTP Response ← Handler ← domain result ←────┘
//
// Error translation lives in internal/errors: handlers never map status
// codes by hand, they pass domain errors to errors.FromLicenseError.
package http
