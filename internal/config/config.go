package config

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Cache     CacheConfig
	Recommend RecommendConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type PipelineConfig struct {
	Timezone        string
	ExpandRecurring bool
	HorizonDays     int
	DaysLimit       int
	AnalysisWeeks   int
	MinSampleSize   int
	StageTimeoutSec int
	UseCache        bool
	UseLLM          bool
}

type CacheConfig struct {
	HotMaxBytes      int64
	ImportTTLHours   int
	EnrichTTLHours   int
	AnalyzeTTLHours  int
	SweepIntervalMin int // 0 disables the background sweep
}

type RecommendConfig struct {
	SearchDays      int
	MaxAlternatives int
	WorkDayStart    int
	WorkDayEnd      int
	IncludeWeekends bool
	BufferBeforeMin int
	BufferAfterMin  int
	MinFreeBlockMin int

	WeightWindow        float64
	WeightWorkingHours  float64
	WeightProximity     float64
	WeightFragmentation float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Pipeline: PipelineConfig{
			Timezone:        "UTC",
			ExpandRecurring: true,
			HorizonDays:     30,
			DaysLimit:       14,
			AnalysisWeeks:   2,
			MinSampleSize:   3,
			StageTimeoutSec: 60,
			UseCache:        true,
			UseLLM:          false,
		},
		Cache: CacheConfig{
			HotMaxBytes:      32 << 20,
			ImportTTLHours:   48,
			EnrichTTLHours:   72,
			AnalyzeTTLHours:  24,
			SweepIntervalMin: 60,
		},
		Recommend: RecommendConfig{
			SearchDays:      30,
			MaxAlternatives: 3,
			WorkDayStart:    7,
			WorkDayEnd:      23,
			IncludeWeekends: true,
			BufferBeforeMin: 10,
			BufferAfterMin:  10,
			MinFreeBlockMin: 30,

			WeightWindow:        0.40,
			WeightWorkingHours:  0.20,
			WeightProximity:     0.25,
			WeightFragmentation: 0.15,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in three layers: compiled defaults, the JSON
// config file at $XDG_CONFIG_HOME/tempo/config.json, and TEMPO_*
// environment variables. Later layers override earlier ones.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}
