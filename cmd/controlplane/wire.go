package main

import (
	"time"

	"github.com/qiniu/controlplane/internal/alerting/service/anomaly"
	"github.com/qiniu/controlplane/internal/alerting/service/autoheal"
	"github.com/qiniu/controlplane/internal/alerting/service/delivery"
	"github.com/qiniu/controlplane/internal/alerting/service/learner"
	"github.com/qiniu/controlplane/internal/config"
)

func anomalyConfig(c config.AnomalyConfig) anomaly.Config {
	def := anomaly.DefaultConfig()
	out := anomaly.Config{
		BaselineWindow:   config.ParseDuration(c.BaselineWindow, def.BaselineWindow),
		CurrentWindow:    config.ParseDuration(c.CurrentWindow, def.CurrentWindow),
		WindowCapacity:   c.WindowCapacity,
		MinSamples:       c.MinSamples,
		WarningPercent:   c.WarningPercent,
		CriticalPercent:  c.CriticalPercent,
		IncidentCapacity: c.IncidentCapacity,
		IncidentTTL:      config.ParseDuration(c.IncidentTTL, def.IncidentTTL),
		SignalBuffer:     c.SignalChanSize,
		MaxMetrics:       def.MaxMetrics,
	}
	for _, m := range c.Metrics {
		out.Metrics = append(out.Metrics, anomaly.MetricSpec{
			Name:     m.Name,
			Kind:     anomaly.MetricKind(m.Kind),
			Ceiling:  m.Ceiling,
			Tenant:   m.Tenant,
			Endpoint: m.Endpoint,
		})
	}
	return out
}

func deliveryConfig(c config.DeliveryConfig) delivery.Config {
	def := delivery.DefaultConfig()
	return delivery.Config{
		MaxAttempts:    c.MaxAttempts,
		DedupWindow:    config.ParseDuration(c.DedupWindow, def.DedupWindow),
		BackoffBase:    config.ParseDuration(c.BackoffBase, def.BackoffBase),
		BackoffMax:     config.ParseDuration(c.BackoffMax, def.BackoffMax),
		Jitter:         c.Jitter,
		AttemptTimeout: config.ParseDuration(c.AttemptTimeout, def.AttemptTimeout),
		PollInterval:   config.ParseDuration(c.PollInterval, def.PollInterval),
		Batch:          c.Batch,
		Workers:        c.Workers,
		RatePerTarget:  c.RatePerTarget,
		Channels:       c.Channels,
		BearerToken:    c.BearerToken,
	}
}

func autohealConfig(c config.AutohealConfig) autoheal.Config {
	def := autoheal.DefaultConfig()
	policies := make(map[string]autoheal.Action, len(c.Policies))
	for svc, action := range c.Policies {
		policies[svc] = autoheal.Action(action)
	}
	return autoheal.Config{
		Interval:         config.ParseDuration(c.Interval, def.Interval),
		ProbeTimeout:     config.ParseDuration(c.ProbeTimeout, def.ProbeTimeout),
		HistoryCap:       c.HistoryCap,
		Concurrency:      c.Concurrency,
		FailureThreshold: c.FailureThreshold,
		ObservationTime:  config.ParseDuration(c.ObservationTime, def.ObservationTime),
		RestartHookURL:   c.RestartHookURL,
		DefaultAction:    autoheal.Action(c.DefaultAction),
		Policies:         policies,
		AlertTenant:      c.AlertTenant,
	}
}

func learnerConfig(c config.LearnerConfig) learner.Config {
	return learner.Config{
		DefaultThreshold: c.DefaultThreshold,
		MinThreshold:     c.MinThreshold,
		MaxThreshold:     c.MaxThreshold,
		Step:             c.Step,
		FloorPercent:     c.FloorPercent,
		CeilingPercent:   c.CeilingPercent,
		MinSamples:       c.MinSamples,
		Cooldown:         config.ParseDuration(c.Cooldown, time.Hour),
		MaxFeedback:      c.MaxFeedback,
	}
}
