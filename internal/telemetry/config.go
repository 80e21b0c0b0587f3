package telemetry

// Config holds the tracing settings of the client.
type Config struct {
	Enabled bool

	// Version is reported as service.version.
	Version string

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// SampleRate is the fraction of root spans kept, from 0 to 1.
	SampleRate float64

	// Client describes the local SMB client and becomes resource
	// attributes on every span.
	Client ClientResource
}

// ClientResource is the part of the client configuration that identifies
// a trace or profile source.
type ClientResource struct {
	// Workstation is the NetBIOS name sent during authentication.
	Workstation string

	// MinDialect and MaxDialect bound the dialects offered in NEGOTIATE.
	MinDialect string
	MaxDialect string

	SigningRequired   bool
	EncryptionEnabled bool
}

// ServiceName identifies the client in trace and profile backends.
const ServiceName = "smbclient"

// DefaultConfig returns tracing disabled, pointed at a local collector.
func DefaultConfig() Config {
	return Config{
		Version:    "dev",
		Endpoint:   "localhost:4317",
		Insecure:   true,
		SampleRate: 1.0,
	}
}
