package tls

// Config is the [server.tls] section. Either CertFile/KeyFile or Dir must
// be set when Enabled.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// Dir holds tls.crt and tls.key.
	Dir          string        `mapstructure:"dir"`
	AutoGenerate bool          `mapstructure:"auto_generate"`
	AutoGen      AutoGenConfig `mapstructure:"auto_gen"`
	MinVersion   string        `mapstructure:"min_version"` // "1.2" or "1.3"
	MaxVersion   string        `mapstructure:"max_version"`
}

// AutoGenConfig describes the self-signed certificate written to Dir when
// AutoGenerate is set and no certificate exists yet.
type AutoGenConfig struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Development returns a config that self-signs a localhost certificate
// into certDir on first use.
func Development(certDir string) Config {
	return Config{
		Enabled:      true,
		Dir:          certDir,
		AutoGenerate: true,
		AutoGen: AutoGenConfig{
			CommonName: "localhost",
			DNSNames:   []string{"localhost"},
			ValidDays:  365,
		},
	}
}
