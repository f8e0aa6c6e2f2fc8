package runtimeexec

import (
	"sort"
	"strconv"
	"strings"
)

func parseIntResource(resources map[string]any, key string) int {
	if len(resources) == 0 {
		return 0
	}
	v, ok := resources[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func stringResource(resources map[string]any, key string) string {
	v, ok := resources[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func isReservedJobEnvKey(key string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(key)), "VALIDATIONS_")
}

type envPair struct {
	name  string
	value string
}

// jobEnv returns the reserved variables followed by the sorted user
// variables that do not collide with them.
func jobEnv(spec JobSpec) []envPair {
	out := []envPair{
		{EnvRunID, spec.RunID},
		{EnvStepRunID, spec.StepRunID},
		{EnvValidator, spec.Validator},
		{EnvCallbackID, spec.CallbackID},
		{EnvCallbackURL, spec.CallbackURL},
		{EnvCallbackKey, spec.CallbackKey},
		{EnvInputLocation, spec.InputLocation},
		{EnvResultLocation, spec.ResultLocation},
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		key := strings.TrimSpace(k)
		if key == "" || isReservedJobEnvKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = append(out, envPair{key, spec.Env[key]})
	}
	return out
}
