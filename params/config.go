package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/atsim/pkg/app/core/execution"
	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/risk"
)

// EnvConfigFile names an optional YAML file layered under the environment.
const EnvConfigFile = "ATS_CONFIG_FILE"

type Storage struct {
	// RunsDir receives one artifact directory per run.
	RunsDir string `yaml:"runs_dir"`
	// DBPath is the pebble directory for run history; empty disables it.
	DBPath string `yaml:"db_path"`
	// WALPath is the governance audit log; empty disables it.
	WALPath string `yaml:"wal_path"`
}

type API struct {
	Addr           string   `yaml:"addr"`
	RateLimit      float64  `yaml:"rate_limit"` // requests per second
	RateBurst      int      `yaml:"rate_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Bus struct {
	// RedisAddr mirrors run events to Redis when set.
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // empty logs to stdout only
}

type Config struct {
	Backtest   backtest.Config     `yaml:"backtest"`
	Portfolio  portfolio.Config    `yaml:"portfolio"`
	Risk       risk.Config         `yaml:"risk"`
	Engine     string              `yaml:"engine"` // samebar or simulated
	Execution  execution.SimConfig `yaml:"execution"`
	KillSwitch string              `yaml:"kill_switch_file"`
	Storage    Storage             `yaml:"storage"`
	API        API                 `yaml:"api"`
	Bus        Bus                 `yaml:"bus"`
	Log        Log                 `yaml:"log"`
}

func Default() Config {
	return Config{
		Backtest:  backtest.DefaultConfig(),
		Portfolio: portfolio.DefaultConfig(),
		Risk:      risk.DefaultConfig(),
		Engine:    "samebar",
		Execution: execution.DefaultSimConfig(),
		Storage: Storage{
			RunsDir: "runs",
			DBPath:  "data/runs.db",
			WALPath: "data/governance.wal",
		},
		API: API{
			Addr:           ":8080",
			RateLimit:      50,
			RateBurst:      100,
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Bus: Bus{Prefix: "atsim"},
		Log: Log{Level: "info", File: "logs/atsim.log"},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Backtest.Validate(); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	if err := c.Portfolio.Validate(); err != nil {
		return fmt.Errorf("portfolio: %w", err)
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.Execution.Validate(); err != nil {
		return fmt.Errorf("execution: %w", err)
	}
	switch c.Engine {
	case "samebar", "simulated":
	default:
		return fmt.Errorf("engine must be samebar or simulated, got %q", c.Engine)
	}
	if c.API.RateLimit <= 0 || c.API.RateBurst <= 0 {
		return fmt.Errorf("api rate limit and burst must be positive")
	}
	return nil
}

// LoadFile overlays a YAML file onto cfg. Keys absent from the file keep their values.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from defaults, the optional YAML file named
// by ATS_CONFIG_FILE, the .env file (if exists) and environment variables.
// Priority: ENV > .env file > YAML > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	// Override with environment variables
	var errs []string
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q", key, v))
				return
			}
			*dst = f
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q", key, v))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q", key, v))
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setFloat("ATS_STARTING_CASH", &cfg.Portfolio.StartingCash)
	setFloat("ATS_PRINCIPAL_FLOOR", &cfg.Portfolio.PrincipalFloor)
	setFloat("ATS_FEE_BPS", &cfg.Portfolio.Fees.Bps)
	setFloat("ATS_FEE_PER_SHARE", &cfg.Portfolio.Fees.PerShare)
	setBool("ATS_ALLOW_NEGATIVE_CASH", &cfg.Portfolio.AllowNegativeCash)

	setBool("ATS_ENABLE_RISK", &cfg.Backtest.EnableRisk)
	setInt("ATS_BAR_LIMIT", &cfg.Backtest.BarLimit)
	setInt("ATS_HISTORY_CAP", &cfg.Backtest.HistoryCap)
	setFloat("ATS_MAX_SINGLE_ORDER_NOTIONAL", &cfg.Risk.MaxSingleOrderNotional)
	setFloat("ATS_MAX_GROSS_PRINCIPAL_FRAC", &cfg.Risk.MaxGrossPrincipalFrac)
	setFloat("ATS_MAX_NET_PRINCIPAL_FRAC", &cfg.Risk.MaxNetPrincipalFrac)
	setFloat("ATS_MAX_SYMBOL_FRAC", &cfg.Risk.MaxSymbolFrac)

	setString("ATS_ENGINE", &cfg.Engine)
	setFloat("ATS_SPREAD_BPS", &cfg.Execution.SpreadBps)
	setFloat("ATS_SLIPPAGE_BPS", &cfg.Execution.SlippageBps)
	var seed int
	setInt("ATS_EXEC_SEED", &seed)
	if seed != 0 {
		cfg.Execution.Seed = int64(seed)
	}

	setString("ATS_KILL_SWITCH_FILE", &cfg.KillSwitch)
	setString("ATS_RUNS_DIR", &cfg.Storage.RunsDir)
	setString("ATS_DB_PATH", &cfg.Storage.DBPath)
	setString("ATS_WAL_PATH", &cfg.Storage.WALPath)
	setString("ATS_API_ADDR", &cfg.API.Addr)
	setFloat("ATS_API_RATE_LIMIT", &cfg.API.RateLimit)
	setInt("ATS_API_RATE_BURST", &cfg.API.RateBurst)
	if origins := os.Getenv("ATS_API_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}
	setString("ATS_REDIS_ADDR", &cfg.Bus.RedisAddr)
	setString("ATS_REDIS_PREFIX", &cfg.Bus.Prefix)
	setString("ATS_LOG_LEVEL", &cfg.Log.Level)
	setString("ATS_LOG_FILE", &cfg.Log.File)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid environment: %s", strings.Join(errs, ", "))
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
