package config

import "time"

// Config is the root configuration for tasklink.
type Config struct {
	Client ClientConfig `json:"client"`
	Server ServerConfig `json:"server"`
	Log    LogConfig    `json:"log"`
}

// ClientConfig configures the chat client and its reconciliation engine.
type ClientConfig struct {
	GatewayURL      string   `json:"gateway_url"`               // websocket endpoint (default: ws://127.0.0.1:18520/api/ws)
	APIURL          string   `json:"api_url"`                   // REST base URL (default: http://127.0.0.1:18520)
	PageSize        int      `json:"page_size"`                 // history page size (default: 50)
	HiddenThreshold Duration `json:"hidden_threshold"`          // minimum hidden gap that triggers recovery (default: 3s)
	StaleThreshold  Duration `json:"stale_threshold"`           // gap after which idle tasks are recovered too (default: 30s)
	ResyncSchedule  string   `json:"resync_schedule,omitempty"` // cron expression or "@every 5m"; empty disables
	RequestTimeout  Duration `json:"request_timeout"`           // REST timeout (default: 10s)
	JournalDir      string   `json:"journal_dir,omitempty"`     // engine notification journal (default: $TASKLINK_PATH/journal)
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	DBPath     string   `json:"db_path"`             // default: $TASKLINK_PATH/backend.db
	SeedFile   string   `json:"seed_file,omitempty"` // YAML tasks loaded into an empty store
	ChunkDelay Duration `json:"chunk_delay"`         // pause between streamed words (default: 40ms)
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `json:"level"` // "debug", "info", "warn", "error" (default: info)
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
