package policy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errMissingPath = errors.New("policy: config path is required")

// RegistryConfig describes the dependencies for the policy registry.
type RegistryConfig struct {
	Path   string
	Logger *zap.Logger
}

// Registry loads guild policies from the declarative config file and serves
// an immutable in-memory snapshot. Reload swaps the whole snapshot; it never
// merges into a live one.
type Registry struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	guilds map[string]GuildPolicy
}

// NewRegistry constructs the registry and performs the initial load.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &Registry{
		path:   cfg.Path,
		logger: logger,
		guilds: map[string]GuildPolicy{},
	}
	if err := registry.Reload(); err != nil {
		return nil, err
	}
	return registry, nil
}

// Get returns the policy for a guild.
func (r *Registry) Get(guildID string) (GuildPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	guildPolicy, ok := r.guilds[guildID]
	return guildPolicy, ok
}

// All returns every configured guild policy, ordered by guild id.
func (r *Registry) All() []GuildPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	policies := make([]GuildPolicy, 0, len(r.guilds))
	for _, guildPolicy := range r.guilds {
		policies = append(policies, guildPolicy)
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].GuildID < policies[j].GuildID
	})
	return policies
}

// Reload re-reads the config file and atomically replaces the snapshot. On
// parse failure the previous snapshot stays in effect.
func (r *Registry) Reload() error {
	loaded, err := loadFile(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.guilds = loaded
	r.mu.Unlock()

	r.logger.Info("guild policies loaded",
		zap.String("path", r.path),
		zap.Int("guilds", len(loaded)))
	return nil
}

type rawMapping struct {
	RoleName       string `mapstructure:"roleName"`
	NicknamePrefix string `mapstructure:"nicknamePrefix"`
}

type rawSyncSettings struct {
	SyncOnJoin            bool `mapstructure:"syncOnJoin"`
	SyncOnVerify          bool `mapstructure:"syncOnVerify"`
	BackgroundSyncEnabled bool `mapstructure:"backgroundSyncEnabled"`
	SyncIntervalMinutes   int  `mapstructure:"syncIntervalMinutes"`
}

type rawServer struct {
	GuildID              string                `mapstructure:"guildId"`
	GuildName            string                `mapstructure:"guildName"`
	RobloxGroupID        string                `mapstructure:"robloxGroupId"`
	RankMappings         map[string]rawMapping `mapstructure:"rankMappings"`
	NicknameFormat       string                `mapstructure:"nicknameFormat"`
	CustomNicknamePrefix string                `mapstructure:"customNicknamePrefix"`
	LoggingChannelID     string                `mapstructure:"loggingChannelId"`
	StaffRoleNames       []string              `mapstructure:"staffRoleNames"`
	SyncSettings         rawSyncSettings       `mapstructure:"syncSettings"`
}

type rawFile struct {
	Servers []rawServer `mapstructure:"servers"`
}

func loadFile(path string) (map[string]GuildPolicy, error) {
	fileViper := viper.New()
	fileViper.SetConfigFile(path)
	if err := fileViper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var parsed rawFile
	if err := fileViper.Unmarshal(&parsed); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}

	guilds := make(map[string]GuildPolicy, len(parsed.Servers))
	for _, server := range parsed.Servers {
		guildPolicy, err := server.toPolicy()
		if err != nil {
			return nil, err
		}
		guilds[guildPolicy.GuildID] = guildPolicy
	}
	return guilds, nil
}

func (s rawServer) toPolicy() (GuildPolicy, error) {
	if s.GuildID == "" {
		return GuildPolicy{}, fmt.Errorf("policy: server entry missing guildId")
	}
	if s.RobloxGroupID == "" {
		return GuildPolicy{}, fmt.Errorf("policy: guild %s missing robloxGroupId", s.GuildID)
	}

	mappings := make([]RankMapping, 0, len(s.RankMappings))
	for rawThreshold, mapping := range s.RankMappings {
		threshold, err := strconv.ParseInt(rawThreshold, 10, 64)
		if err != nil {
			return GuildPolicy{}, fmt.Errorf("policy: guild %s rank threshold %q: %w", s.GuildID, rawThreshold, err)
		}
		mappings = append(mappings, RankMapping{
			Threshold:      threshold,
			RoleName:       mapping.RoleName,
			NicknamePrefix: mapping.NicknamePrefix,
		})
	}
	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].Threshold < mappings[j].Threshold
	})

	interval := s.SyncSettings.SyncIntervalMinutes
	if interval <= 0 {
		interval = defaultSyncIntervalMinutes
	}

	return GuildPolicy{
		GuildID:              s.GuildID,
		GuildName:            s.GuildName,
		RobloxGroupID:        s.RobloxGroupID,
		RankMappings:         mappings,
		NicknameFormat:       s.NicknameFormat,
		CustomNicknamePrefix: s.CustomNicknamePrefix,
		LoggingChannelID:     s.LoggingChannelID,
		StaffRoleNames:       s.StaffRoleNames,
		Sync: SyncSettings{
			SyncOnJoin:            s.SyncSettings.SyncOnJoin,
			SyncOnVerify:          s.SyncSettings.SyncOnVerify,
			BackgroundSyncEnabled: s.SyncSettings.BackgroundSyncEnabled,
			SyncIntervalMinutes:   interval,
		},
	}, nil
}
