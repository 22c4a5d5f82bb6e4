package config

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	URL                string // URL of the upstream timing server
	ListenAddr         string // listen addr for the http server (relay, gateway, status)
	RelayBasePath      string // mount path of the protocol relay
	UpstreamHostHeader string // optional Host header override towards the upstream
	DirectConnect      bool   // bypass the relay even when one is configured
	RelayURL           string // relay base url for legacy connections (empty: connect direct)
	HubName            string // hub name on the timing server
	SelectedColour     string // lane colour a board is interested in
	NatsURL            string // optional messaging broker url (empty disables)
	NatsSubject        string // base subject for republished feed messages
	WaitForServices    string // duration to wait for other services to be ready
	LogLevel           string // sets the log level (zap log level values)
	LogFormat          string // text vs json
	LogConfig          string // path to log config file
	EnableTelemetry    bool   // enable telemetry
	TelemetryEndpoint  string // endpoint for telemetry
	ProfilingPort      int    // port for profiling
	PrintMessage       bool   // if true, the message payload will be print on debug level
)

// Config holds the configuration values which are used by the application
type Config struct {
	PrintMessage bool // if true, the message payload will be print on debug level
}
