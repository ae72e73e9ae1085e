// Package validation checks configuration values before components start.
//
// Struct tags cover single-field bounds; the programmatic Validator covers
// relations between fields and merges nested results into one error.
//
//	err := validation.Validate(cfg)
//
//	v := validation.New()
//	v.Merge("policies.llm_provider", validation.Validate(policy))
//	v.Custom(cfg.MinShards <= cfg.MaxShards, "min_shards", "must not exceed max_shards")
//	return v.Err()
package validation
