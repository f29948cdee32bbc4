package config

import "time"

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "http://127.0.0.1:8090",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "~/.convsync/state.db",
		},
		Sync: SyncConfig{
			PageSize:           20,
			FetchTimeout:       Duration(8 * time.Second),
			InboxSize:          256,
			AckTimeout:         Duration(10 * time.Second),
			HeartbeatInterval:  Duration(25 * time.Second),
			ReconnectBaseDelay: Duration(1 * time.Second),
			ReconnectMaxDelay:  Duration(30 * time.Second),
		},
		Toast: ToastConfig{
			Visible:   Duration(4 * time.Second),
			Animation: Duration(300 * time.Millisecond),
			Settle:    Duration(100 * time.Millisecond),
		},
		Notifications: NotificationsConfig{
			HistoryCap: 100,
		},
		Relay: RelayConfig{
			Addr: ":8090",
			Storage: StorageConfig{
				Backend: "memory",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}
