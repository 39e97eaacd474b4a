package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "info",
			DefaultLanguage: "uz",
		},
		Store: StoreConfig{
			DBPath: "~/.clinicbot/clinicbot.db",
		},
		Telegram: TelegramConfig{
			PollTimeoutSeconds:    30,
			ConnectTimeoutSeconds: 15,
			SendRatePerSecond:     25,
			SendBurst:             5,
			BootstrapOnStart:      true,
		},
		Queue: QueueConfig{
			Workers: 4,
			Buffer:  256,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8085,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
