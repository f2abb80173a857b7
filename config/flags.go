package config

// Overrides carries command-line values that take precedence over the file.
// Nil or empty fields leave the loaded value untouched.
type Overrides struct {
	P2PPort         *int
	APIPort         *int
	KeyRotationPort *int
	DataDir         string
	Bootstrap       []string
	Validator       bool
	Debug           bool
}

// Apply copies the overrides into cfg. Bootstrap entries from the command
// line are appended after the ones from the file.
func (o Overrides) Apply(cfg *NodeConfig) {
	if o.P2PPort != nil {
		cfg.P2PPort = *o.P2PPort
	}
	if o.APIPort != nil {
		cfg.APIPort = *o.APIPort
	}
	if o.KeyRotationPort != nil {
		cfg.KeyRotationPort = *o.KeyRotationPort
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if len(o.Bootstrap) > 0 {
		cfg.BootstrapNodes = append(cfg.BootstrapNodes, o.Bootstrap...)
	}
	if o.Validator {
		cfg.Validator = true
	}
	if o.Debug {
		cfg.LogLevel = "debug"
	}
}
