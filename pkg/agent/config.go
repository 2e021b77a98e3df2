package agent

// Config points the agent at its data directory and at the user-driven
// bridge configuration file. Only the bridge configuration is live
// reloaded.
type Config struct {
	DataDir      string `json:"dataDir"`
	BridgeConfig string `json:"bridgeConfig"`
}
