package link

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/internal/critical"
	"github.com/dyluth/groundlink/pkg/bus"
)

// CriticalCommandingSetting is the scope setting overriding the configured
// critical commanding policy.
const CriticalCommandingSetting = "critical_commanding"

// PolicySource returns the critical commanding policy in force.
type PolicySource interface {
	Policy(ctx context.Context) critical.Policy
}

// StaticPolicy always returns the same policy.
type StaticPolicy critical.Policy

func (p StaticPolicy) Policy(context.Context) critical.Policy { return critical.Policy(p) }

// SettingsPolicy reads the scope setting on every call and falls back to
// the configured policy when it is absent or invalid.
type SettingsPolicy struct {
	client   *bus.Client
	fallback critical.Policy
	log      *logrus.Entry
}

// NewSettingsPolicy returns a policy source backed by the scope settings hash.
func NewSettingsPolicy(client *bus.Client, fallback critical.Policy, log *logrus.Entry) *SettingsPolicy {
	return &SettingsPolicy{client: client, fallback: fallback, log: log}
}

func (s *SettingsPolicy) Policy(ctx context.Context) critical.Policy {
	v, err := s.client.Setting(ctx, CriticalCommandingSetting)
	if err != nil {
		if !bus.IsNotFound(err) {
			s.log.WithError(err).Warn("Failed to read critical commanding setting")
		}
		return s.fallback
	}
	p, err := critical.ParsePolicy(v)
	if err != nil {
		s.log.WithError(err).Warn("Ignoring invalid critical commanding setting")
		return s.fallback
	}
	return p
}
