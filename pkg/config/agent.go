package config

import "os"

// AgentConfig holds edge agent configuration.
type AgentConfig struct {
	SMTPPort string
	LogLevel string

	// DBPath is the sqlite buffer database file.
	DBPath string
	// DataDir holds the buffered message and CAS payload files, under
	// DataDir/buffer and DataDir/cas.
	DataDir string

	// SyncURL is the core sync endpoint; the CAS endpoints are derived
	// from it.
	SyncURL string
	APIKey  string
	OrgID   string

	// AgentName identifies this agent in core heartbeats.
	AgentName string

	// TLSSkipVerify accepts self-signed core certificates. Agents sit on
	// the internal network and cores commonly run with local certs.
	TLSSkipVerify bool
}

// LoadAgent loads agent configuration from environment variables.
func LoadAgent() *AgentConfig {
	return &AgentConfig{
		SMTPPort:      getEnv("SMTP_PORT", "2525"),
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		DBPath:        getEnv("AGENT_DB_PATH", "buffer.db"),
		DataDir:       getEnv("AGENT_DATA_DIR", "data"),
		SyncURL:       getEnv("CORE_API_URL", "https://localhost:8000/api/v1/sync"),
		APIKey:        getEnv("CORE_API_KEY", "secret"),
		OrgID:         getEnv("AGENT_ORG_ID", "1"),
		AgentName:     getEnv("AGENT_NAME", "edge-agent"),
		TLSSkipVerify: os.Getenv("AGENT_TLS_VERIFY") != "true",
	}
}
