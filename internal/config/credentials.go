// Package config provides credential resolution and server configuration
// for the AEP event forwarder.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Default values applied when the corresponding variable is unset.
const (
	// DefaultIMSEndpoint is the Adobe IMS token endpoint used when
	// IMS_ENDPOINT is not provided.
	DefaultIMSEndpoint = "https://ims-na1.adobelogin.com/ims/token/v2"

	// DefaultScopes is the comma-joined scope list used when SCOPES is
	// not provided.
	DefaultScopes = "openid,AdobeID,read_organizations,additional_info.projectedProductContext,session"
)

// Environment variable names read by Resolve.
const (
	EnvAEPEndpoint        = "AEP_ENDPOINT"
	EnvIMSEndpoint        = "IMS_ENDPOINT"
	EnvClientID           = "CLIENT_ID"
	EnvClientSecret       = "CLIENT_SECRET"
	EnvIMSOrg             = "IMS_ORG"
	EnvTechnicalAccountID = "TECHNICAL_ACCOUNT_ID"
	EnvScopes             = "SCOPES"
	EnvFlowID             = "FLOW_ID"
	EnvSandboxName        = "SANDBOX_NAME"
)

// requiredVars are the variables that must be present and non-empty.
var requiredVars = []string{
	EnvAEPEndpoint,
	EnvClientID,
	EnvClientSecret,
	EnvIMSOrg,
	EnvFlowID,
	EnvSandboxName,
}

// Credentials holds the resolved AEP and IMS settings. It is immutable
// after construction.
type Credentials struct {
	AEPEndpoint        string
	IMSEndpoint        string
	ClientID           string
	ClientSecret       string
	IMSOrg             string
	TechnicalAccountID string
	Scopes             string
	FlowID             string
	SandboxName        string
}

// MissingFieldsError reports every required setting that was absent or
// empty, not just the first one.
type MissingFieldsError struct {
	Fields []string
}

// Error implements the error interface.
func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Fields, ", "))
}

// Is checks if the error matches the target.
func (e *MissingFieldsError) Is(target error) bool {
	_, ok := target.(*MissingFieldsError)
	return ok
}

// SecretSource supplies values for settings that are absent from the
// environment, such as a Vault KV secret. The environment always wins
// when both define a value.
type SecretSource interface {
	Lookup(key string) (string, bool)
}

// ResolveOption is a functional option for Resolve.
type ResolveOption func(*resolver)

// WithSecretSource sets a fallback secret source for Resolve.
func WithSecretSource(source SecretSource) ResolveOption {
	return func(r *resolver) {
		r.source = source
	}
}

// WithLookupEnv overrides the environment lookup function, primarily
// for tests.
func WithLookupEnv(fn func(string) string) ResolveOption {
	return func(r *resolver) {
		r.lookupEnv = fn
	}
}

type resolver struct {
	lookupEnv func(string) string
	source    SecretSource
}

func (r *resolver) get(key, fallback string) string {
	if v := r.lookupEnv(key); v != "" {
		return v
	}
	if r.source != nil {
		if v, ok := r.source.Lookup(key); ok && v != "" {
			return v
		}
	}
	return fallback
}

// Resolve reads credentials from the process environment, applying the
// IMS endpoint and scope defaults. It is idempotent and has no side
// effects. If any required setting is missing or empty it returns a
// *MissingFieldsError naming all of them.
func Resolve(opts ...ResolveOption) (*Credentials, error) {
	r := &resolver{lookupEnv: os.Getenv}
	for _, opt := range opts {
		opt(r)
	}

	creds := &Credentials{
		AEPEndpoint:        r.get(EnvAEPEndpoint, ""),
		IMSEndpoint:        r.get(EnvIMSEndpoint, DefaultIMSEndpoint),
		ClientID:           r.get(EnvClientID, ""),
		ClientSecret:       r.get(EnvClientSecret, ""),
		IMSOrg:             r.get(EnvIMSOrg, ""),
		TechnicalAccountID: r.get(EnvTechnicalAccountID, ""),
		Scopes:             r.get(EnvScopes, DefaultScopes),
		FlowID:             r.get(EnvFlowID, ""),
		SandboxName:        r.get(EnvSandboxName, ""),
	}

	var missing []string
	for _, name := range requiredVars {
		if r.get(name, "") == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingFieldsError{Fields: missing}
	}

	return creds, nil
}
