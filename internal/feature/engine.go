package feature

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/devicelock/devicelock-agent/internal/settings"
	"github.com/devicelock/devicelock-agent/internal/worker"
	"github.com/sirupsen/logrus"
)

// KnownVPNPackages are third-party VPN clients that fight the always-on VPN
// and DNS filter features for the VPN slot.
var KnownVPNPackages = []string{
	"com.nordvpn.android",
	"com.expressvpn.vpn",
	"net.openvpn.openvpn",
	"de.blinkt.openvpn",
	"com.wireguard.android",
	"com.cloudflare.onedotonedotone",
	"ch.protonvpn.android",
	"com.surfshark.vpnclient.android",
	"free.vpn.unblock.proxy.turbovpn",
}

// IsVPNFeature reports whether id needs the VPN slot.
func IsVPNFeature(id string) bool {
	return id == IDAlwaysOnVPN || id == IDInstallDNSFilter
}

// Result is the outcome of applying one feature.
type Result struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Err     error  `json:"-"`
}

// ApplyReport collects per-feature results of one batch.
type ApplyReport struct {
	Results []Result
}

// Failed returns the results with an error.
func (r ApplyReport) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins every per-feature error, nil when the batch was clean.
func (r ApplyReport) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}

// Status 功能状态快照
type Status struct {
	ID        string `json:"id"`
	MinSDK    int    `json:"min_sdk"`
	Supported bool   `json:"supported"`
	Active    bool   `json:"active"`
	Desired   bool   `json:"desired"`
	Error     string `json:"error,omitempty"`
}

// Engine applies desired feature state to the device.
type Engine struct {
	registry *Registry
	platform platform.Platform
	store    settings.Store
	pool     *worker.Pool
	metrics  *metrics.Collector
	logger   *logrus.Logger
}

// NewEngine creates an engine. pool and m may be nil.
func NewEngine(reg *Registry, deps Deps, pool *worker.Pool, m *metrics.Collector) *Engine {
	return &Engine{
		registry: reg,
		platform: deps.Platform,
		store:    deps.Store,
		pool:     pool,
		metrics:  m,
		logger:   deps.Logger,
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Save persists the requested states and applies them one by one in
// registry order. A failing feature never stops the batch.
func (e *Engine) Save(ctx context.Context, desired map[string]bool) ApplyReport {
	var report ApplyReport

	unknown := make([]string, 0)
	for id := range desired {
		if _, ok := e.registry.Get(id); !ok {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)

	// Do only returns once the batch finished or was dropped unstarted
	var applied []Result
	err := e.pool.Do(ctx, "feature-save", func(ctx context.Context) error {
		var results []Result
		for _, f := range e.registry.All() {
			enable, ok := desired[f.ID()]
			if !ok {
				continue
			}
			if err := settings.SetBool(ctx, e.store, DesiredKey(f.ID()), enable); err != nil {
				results = append(results, Result{
					ID: f.ID(), Outcome: metrics.OutcomeFailed,
					Err: fmt.Errorf("persist desired %s: %w", f.ID(), err),
				})
				continue
			}
			results = append(results, e.apply(ctx, f, enable))
		}
		applied = results
		return nil
	})
	report.Results = append(report.Results, applied...)
	if err != nil {
		e.logger.WithError(err).Error("Feature batch not executed")
		report.Results = append(report.Results, Result{ID: "*", Outcome: metrics.OutcomeFailed, Err: err})
	}

	for _, id := range unknown {
		e.logger.WithField("feature_id", id).Warn("Ignoring unknown feature id")
		report.Results = append(report.Results, Result{
			ID: id, Outcome: metrics.OutcomeFailed,
			Err: fmt.Errorf("%s: %w", id, ErrUnknownFeature),
		})
	}

	e.logger.WithFields(logrus.Fields{
		"requested": len(desired),
		"failed":    len(report.Failed()),
	}).Info("Feature batch applied")
	return report
}

func (e *Engine) apply(ctx context.Context, f Feature, enable bool) Result {
	res := Result{ID: f.ID()}
	defer func() { e.metrics.RecordFeatureApply(res.ID, res.Outcome) }()

	if !Supported(f, e.platform.SDKVersion()) {
		res.Outcome = metrics.OutcomeUnsupported
		return res
	}

	active, err := f.IsActive(ctx)
	if err == nil && active == enable {
		res.Outcome = metrics.OutcomeNoop
		return res
	}

	if err := f.Apply(ctx, enable); err != nil {
		res.Err = err
		if errors.Is(err, platform.ErrPermissionDenied) {
			res.Outcome = metrics.OutcomeDenied
		} else {
			res.Outcome = metrics.OutcomeFailed
		}
		return res
	}
	res.Outcome = metrics.OutcomeApplied
	return res
}

// ApplyByID persists and applies a single feature.
func (e *Engine) ApplyByID(ctx context.Context, id string, enable bool) error {
	if _, ok := e.registry.Get(id); !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownFeature)
	}
	return e.Save(ctx, map[string]bool{id: enable}).Err()
}

// Reapply re-applies every stored desired state. Features never saved are
// left alone.
func (e *Engine) Reapply(ctx context.Context) ApplyReport {
	desired := make(map[string]bool)
	for _, f := range e.registry.All() {
		v, ok, err := e.store.Get(ctx, DesiredKey(f.ID()))
		if err != nil {
			e.logger.WithError(err).WithField("feature_id", f.ID()).Warn("Failed to read desired state")
			continue
		}
		if !ok {
			continue
		}
		on, err := settings.GetBool(ctx, e.store, DesiredKey(f.ID()), false)
		if err != nil {
			e.logger.WithError(err).WithField("value", v).Warn("Corrupt desired state, skipping")
			continue
		}
		desired[f.ID()] = on
	}
	return e.Save(ctx, desired)
}

// DisableAll removes every protection. Callers must confirm with the user
// before invoking it.
func (e *Engine) DisableAll(ctx context.Context) ApplyReport {
	desired := make(map[string]bool, e.registry.Len())
	for _, id := range e.registry.IDs() {
		desired[id] = false
	}
	return e.Save(ctx, desired)
}

// Status probes every feature. Probe errors are reported per feature.
func (e *Engine) Status(ctx context.Context) []Status {
	sdk := e.platform.SDKVersion()
	out := make([]Status, 0, e.registry.Len())
	active := 0

	for _, f := range e.registry.All() {
		st := Status{ID: f.ID(), MinSDK: f.MinSDK(), Supported: Supported(f, sdk)}

		desired, err := settings.GetBool(ctx, e.store, DesiredKey(f.ID()), false)
		if err != nil {
			st.Error = err.Error()
		}
		st.Desired = desired

		if st.Supported {
			on, err := f.IsActive(ctx)
			if err != nil {
				st.Error = err.Error()
			}
			st.Active = on
		}
		if st.Active {
			active++
		}
		out = append(out, st)
	}

	e.metrics.SetFeaturesActive(active)
	return out
}

// VPNConflicts lists installed third-party VPN apps. Callers refuse to
// enable VPN features while any is present.
func (e *Engine) VPNConflicts(ctx context.Context) ([]string, error) {
	var found []string
	for _, pkg := range KnownVPNPackages {
		ok, err := platform.IsInstalled(ctx, e.platform, pkg)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", pkg, err)
		}
		if ok {
			found = append(found, pkg)
		}
	}
	return found, nil
}
