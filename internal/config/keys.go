package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TEMPO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TEMPO_API_TOKEN",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TEMPO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "pipeline.timezone", typ: kString, env: "TEMPO_PIPELINE_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Timezone },
	},
	{
		key: "pipeline.expand_recurring", typ: kBool, env: "TEMPO_PIPELINE_EXPAND_RECURRING",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ExpandRecurring = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.ExpandRecurring },
	},
	{
		key: "pipeline.horizon_days", typ: kInt, env: "TEMPO_PIPELINE_HORIZON_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.HorizonDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.HorizonDays },
	},
	{
		key: "pipeline.days_limit", typ: kInt, env: "TEMPO_PIPELINE_DAYS_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.DaysLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.DaysLimit },
	},
	{
		key: "pipeline.analysis_weeks", typ: kInt, env: "TEMPO_PIPELINE_ANALYSIS_WEEKS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.AnalysisWeeks = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.AnalysisWeeks },
	},
	{
		key: "pipeline.min_sample_size", typ: kInt, env: "TEMPO_PIPELINE_MIN_SAMPLE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MinSampleSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MinSampleSize },
	},
	{
		key: "pipeline.stage_timeout_sec", typ: kInt, env: "TEMPO_PIPELINE_STAGE_TIMEOUT_SEC",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageTimeoutSec = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageTimeoutSec },
	},
	{
		key: "pipeline.use_cache", typ: kBool, env: "TEMPO_PIPELINE_USE_CACHE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.UseCache = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.UseCache },
	},
	{
		key: "pipeline.use_llm", typ: kBool, env: "TEMPO_PIPELINE_USE_LLM",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.UseLLM = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.UseLLM },
	},
	{
		key: "cache.hot_max_bytes", typ: kInt, env: "TEMPO_CACHE_HOT_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Cache.HotMaxBytes = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Cache.HotMaxBytes },
	},
	{
		key: "cache.import_ttl_hours", typ: kInt, env: "TEMPO_CACHE_IMPORT_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Cache.ImportTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.ImportTTLHours },
	},
	{
		key: "cache.enrich_ttl_hours", typ: kInt, env: "TEMPO_CACHE_ENRICH_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Cache.EnrichTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.EnrichTTLHours },
	},
	{
		key: "cache.analyze_ttl_hours", typ: kInt, env: "TEMPO_CACHE_ANALYZE_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Cache.AnalyzeTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.AnalyzeTTLHours },
	},
	{
		key: "cache.sweep_interval_min", typ: kInt, env: "TEMPO_CACHE_SWEEP_INTERVAL_MIN",
		apply:   func(cfg *Config, v any) { cfg.Cache.SweepIntervalMin = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.SweepIntervalMin },
	},
	{
		key: "recommend.search_days", typ: kInt, env: "TEMPO_RECOMMEND_SEARCH_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Recommend.SearchDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Recommend.SearchDays },
	},
	{
		key: "recommend.max_alternatives", typ: kInt, env: "TEMPO_RECOMMEND_MAX_ALTERNATIVES",
		apply:   func(cfg *Config, v any) { cfg.Recommend.MaxAlternatives = v.(int) },
		extract: func(cfg Config) any { return cfg.Recommend.MaxAlternatives },
	},
	{
		key: "recommend.work_day_start", typ: kInt, env: "TEMPO_RECOMMEND_WORK_DAY_START",
		apply:   func(cfg *Config, v any) { cfg.Recommend.WorkDayStart = v.(int) },
		extract: func(cfg Config) any { return cfg.Recommend.WorkDayStart },
	},
	{
		key: "recommend.work_day_end", typ: kInt, env: "TEMPO_RECOMMEND_WORK_DAY_END",
		apply:   func(cfg *Config, v any) { cfg.Recommend.WorkDayEnd = v.(int) },
		extract: func(cfg Config) any { return cfg.Recommend.WorkDayEnd },
	},
	{
		key: "recommend.include_weekends", typ: kBool, env: "TEMPO_RECOMMEND_INCLUDE_WEEKENDS",
		apply:   func(cfg *Config, v any) { cfg.Recommend.IncludeWeekends = v.(bool) },
		extract: func(cfg Config) any { return cfg.Recommend.IncludeWeekends },
	},
	{
		key: "recommend.buffer_before_min", typ: kInt, env: "TEMPO_RECOMMEND_BUFFER_BEFORE_MIN",
		apply:   func(cfg *Config, v any) { cfg.Recommend.BufferBeforeMin = v.(int) },
		extract: func(cfg Config) any { return cfg.Recommend.BufferBeforeMin },
	},
	{
		key: "recommend.buffer_after_min", typ: kInt, env: "TEMPO_RECOMMEND_BUFFER_AFTER_MIN",
		apply:   func(cfg *Config, v any) { cfg.Recommend.BufferAfterMin = v.(int) },
		extract: func(cfg Config) any { return cfg.Recommend.BufferAfterMin },
	},
	{
		key: "recommend.min_free_block_min", typ: kInt, env: "TEMPO_RECOMMEND_MIN_FREE_BLOCK_MIN",
		apply:   func(cfg *Config, v any) { cfg.Recommend.MinFreeBlockMin = v.(int) },
		extract: func(cfg Config) any { return cfg.Recommend.MinFreeBlockMin },
	},
	{
		key: "recommend.weight_window", typ: kFloat, env: "TEMPO_RECOMMEND_WEIGHT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Recommend.WeightWindow = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.WeightWindow },
	},
	{
		key: "recommend.weight_working_hours", typ: kFloat, env: "TEMPO_RECOMMEND_WEIGHT_WORKING_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Recommend.WeightWorkingHours = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.WeightWorkingHours },
	},
	{
		key: "recommend.weight_proximity", typ: kFloat, env: "TEMPO_RECOMMEND_WEIGHT_PROXIMITY",
		apply:   func(cfg *Config, v any) { cfg.Recommend.WeightProximity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.WeightProximity },
	},
	{
		key: "recommend.weight_fragmentation", typ: kFloat, env: "TEMPO_RECOMMEND_WEIGHT_FRAGMENTATION",
		apply:   func(cfg *Config, v any) { cfg.Recommend.WeightFragmentation = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.WeightFragmentation },
	},
	{
		key: "log.level", typ: kString, env: "TEMPO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
