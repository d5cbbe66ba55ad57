package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ApprovalConfig holds operational tunables for the approval routing engine.
// It lives in a file so tenants operators can adjust limits without a deploy.
type ApprovalConfig struct {
	// AdminRoles are the actor roles allowed to approve or reject any
	// invoice regardless of assignment.
	AdminRoles []string `mapstructure:"adminRoles"`
	// EnforceApprovalLimits gates the per-user approval ceiling check.
	EnforceApprovalLimits bool `mapstructure:"enforceApprovalLimits"`
	// BulkApproveMax caps how many invoices one bulk request may carry.
	BulkApproveMax int `mapstructure:"bulkApproveMax"`
}

func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		AdminRoles:            []string{"admin", "owner"},
		EnforceApprovalLimits: true,
		BulkApproveMax:        100,
	}
}

// ApprovalConfigHolder exposes the current config and hot-reloads it on
// file change.
type ApprovalConfigHolder struct {
	current atomic.Value // holds ApprovalConfig
}

func NewApprovalConfigHolder() (*ApprovalConfigHolder, error) {
	return newApprovalConfigHolder("")
}

func newApprovalConfigHolder(dir string) (*ApprovalConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("approval")
	v.SetConfigType("yml")
	if dir != "" {
		v.AddConfigPath(dir)
	} else {
		v.AddConfigPath("/var/lib/sitebooks/config")
		v.AddConfigPath("/etc/sitebooks")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SITEBOOKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Decode over the defaults: a partial file only overrides the keys it
	// names, and a missing file changes nothing.
	cfg := DefaultApprovalConfig()
	if err := v.UnmarshalKey("approval", &cfg); err != nil {
		return nil, err
	}
	if err := validateApprovalConfig(cfg); err != nil {
		return nil, err
	}

	holder := &ApprovalConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultApprovalConfig()
		if err := v.UnmarshalKey("approval", &updated); err != nil {
			log.Printf("[approval-config] reload failed: %v", err)
			return
		}
		if err := validateApprovalConfig(updated); err != nil {
			log.Printf("[approval-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[approval-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *ApprovalConfigHolder) Get() ApprovalConfig {
	return h.current.Load().(ApprovalConfig)
}

// NewStaticApprovalConfigHolder returns a holder pinned to cfg, for tests.
func NewStaticApprovalConfigHolder(cfg ApprovalConfig) *ApprovalConfigHolder {
	holder := &ApprovalConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateApprovalConfig(cfg ApprovalConfig) error {
	if len(cfg.AdminRoles) == 0 {
		return errors.New("approval.adminRoles cannot be empty")
	}
	if cfg.BulkApproveMax <= 0 {
		return errors.New("approval.bulkApproveMax must be positive")
	}
	return nil
}
