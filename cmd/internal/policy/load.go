package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPolicyFile names an optional YAML/JSON/TOML policy file.
	EnvPolicyFile = "VIGIL_POLICY_FILE"

	keyFallback    = "fallback"
	keyMaxDuration = "max_session_duration"
	keyRoles       = "roles"
)

// LoadTable builds the policy table.
//
// When path is empty the built-in table is used. Otherwise the file is read with
// Viper, e.g.:
//
//	fallback: user
//	max_session_duration: 8h
//	roles:
//	  superadmin: {inactivity: 15m, warning: 2m}
//	  admin:      {inactivity: 20m, warning: 2m}
//	  user:       {inactivity: 30m, warning: 2m}
//
// VIGIL_MAX_SESSION_DURATION overrides the ceiling in both cases.
func LoadTable(path string) (*Table, error) {
	v := viper.New()
	v.SetEnvPrefix("VIGIL")
	_ = v.BindEnv(keyMaxDuration)

	def := DefaultTable()
	v.SetDefault(keyFallback, string(def.Fallback()))
	v.SetDefault(keyMaxDuration, def.MaxSessionDuration().String())

	profiles := def.profiles
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
		var err error
		profiles, err = readProfiles(v)
		if err != nil {
			return nil, err
		}
	}

	maxDuration, err := time.ParseDuration(strings.TrimSpace(v.GetString(keyMaxDuration)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfig, keyMaxDuration, err)
	}

	return NewTable(profiles, Role(v.GetString(keyFallback)), maxDuration)
}

func readProfiles(v *viper.Viper) (map[Role]Profile, error) {
	raw := v.GetStringMap(keyRoles)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %q has no entries", ErrConfig, keyRoles)
	}

	out := make(map[Role]Profile, len(raw))
	for name := range raw {
		base := keyRoles + "." + name
		inactivity, err := time.ParseDuration(v.GetString(base + ".inactivity"))
		if err != nil {
			return nil, fmt.Errorf("%w: %s.inactivity: %v", ErrConfig, base, err)
		}
		warning, err := time.ParseDuration(v.GetString(base + ".warning"))
		if err != nil {
			return nil, fmt.Errorf("%w: %s.warning: %v", ErrConfig, base, err)
		}
		out[NormalizeRole(name)] = Profile{InactivityTime: inactivity, WarningLead: warning}
	}
	return out, nil
}
