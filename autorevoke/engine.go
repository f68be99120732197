// Package autorevoke holds the scheduled decision engine that strips runtime
// permission grants from apps unused beyond a threshold, and the on-demand
// re-grant sweep that restores them. The engine consumes the aggregate layer's
// group snapshots rather than re-deriving grant state, so its view of a group
// is exactly what the rest of the system observes.
package autorevoke

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/permstream/aggregate"
	"github.com/c360/permstream/errors"
	"github.com/c360/permstream/mainline"
	"github.com/c360/permstream/metric"
	"github.com/c360/permstream/pkg/worker"
	"github.com/c360/permstream/platform"
	"github.com/c360/permstream/sources"
)

// JobName is the scheduler registration name for the periodic engine run.
const JobName = "auto_revoke"

// DefaultUnusedThreshold is how long a package must go unused before its
// grants qualify for revocation.
const DefaultUnusedThreshold = 90 * 24 * time.Hour

const defaultWorkers = 4

// awaitTimeout bounds each wait on the observable graph. A load that cannot
// complete within it is treated as a per-item failure, not a wedged worker.
const awaitTimeout = 30 * time.Second

// Engine is the auto-revoke decision engine. One Run evaluates every
// installed package of every user, fanned out over a worker pool; each run is
// independent and idempotent, so a failed run is simply retried from scratch
// at the next scheduled invocation.
type Engine struct {
	exec   *mainline.Executor
	svc    *platform.Services
	src    *sources.Sources
	groups *aggregate.AppPermGroupRepository

	logger  *slog.Logger
	metrics *metric.Metrics

	now       func() time.Time
	threshold func() time.Duration
	workers   int
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithClock overrides the engine's time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithThreshold supplies the unused-threshold getter. It is read once per
// run, so config changes apply at the next scheduled invocation.
func WithThreshold(fn func() time.Duration) EngineOption {
	return func(e *Engine) { e.threshold = fn }
}

// WithWorkers sets the fan-out width of the per-package worker pool.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) { e.workers = n }
}

// NewEngine creates the engine over the given graph and platform services.
func NewEngine(
	exec *mainline.Executor,
	svc *platform.Services,
	src *sources.Sources,
	groups *aggregate.AppPermGroupRepository,
	logger *slog.Logger,
	metrics *metric.Metrics,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		exec:      exec,
		svc:       svc,
		src:       src,
		groups:    groups,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		threshold: func() time.Duration { return DefaultUnusedThreshold },
		workers:   defaultWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// candidate is one unit of pool work: a package that has gone unused past the
// threshold and now gets the exemption and per-group checks.
type candidate struct {
	pkg  *platform.PackageInfo
	user platform.UserHandle
}

// Run executes one engine pass. Any panic or error is caught here and
// reported as a completed (failed) run; partial revocations stay committed
// because the per-group granted check makes re-runs converge.
func (e *Engine) Run(ctx context.Context) (err error) {
	runID := uuid.NewString()
	start := e.now()
	logger := e.logger.With("run_id", runID)

	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapFatal(
				fmt.Errorf("panic: %v", r), "autorevoke", "Run", "engine run")
			logger.Error("engine run panicked", "panic", r)
		}
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		if e.metrics != nil {
			e.metrics.RecordEngineRun(outcome, e.now().Sub(start))
		}
	}()

	logger.Info("engine run starting", "threshold", e.threshold())

	users, err := e.svc.Users.Users(ctx)
	if err != nil {
		return errors.Wrap(err, "autorevoke", "Run", "list users")
	}

	var candidates []candidate
	for _, user := range users {
		cs, cerr := e.collectCandidates(ctx, logger, user)
		if cerr != nil {
			logger.Error("candidate collection failed", "user", user, "error", cerr)
			continue
		}
		candidates = append(candidates, cs...)
	}

	revoked := newRevokedSet()
	pool := worker.NewPool(e.workers, len(candidates)+1, func(ctx context.Context, c candidate) error {
		return e.process(ctx, logger, runID, c, revoked)
	})
	if err := pool.Start(ctx); err != nil {
		return errors.Wrap(err, "autorevoke", "Run", "start worker pool")
	}

	for _, c := range candidates {
		if e.metrics != nil {
			e.metrics.PackagesConsidered.Inc()
		}
		if err := pool.Submit(c); err != nil {
			logger.Error("candidate dropped", "package", c.pkg.PackageName, "error", err)
		}
	}

	// Join barrier: all per-package work finishes before notifications go out.
	if err := pool.Stop(10 * time.Minute); err != nil {
		return errors.Wrap(err, "autorevoke", "Run", "join worker pool")
	}

	for user, packages := range revoked.byUser() {
		if nerr := e.svc.Notifications.NotifyUnusedAppsRevoked(ctx, user, packages, runID); nerr != nil {
			logger.Error("unused-apps notification failed", "user", user, "error", nerr)
		}
	}

	logger.Info("engine run complete",
		"considered", len(candidates),
		"packages_revoked", revoked.size(),
		"duration", e.now().Sub(start))
	return nil
}

// collectCandidates lists the user's installed packages and removes every
// package seen within the threshold window. A package's last-used time is the
// later of its last visible time and its first-install time; cross-profile
// packages take the max over all enabled profiles.
func (e *Engine) collectCandidates(ctx context.Context, logger *slog.Logger, user platform.UserHandle) ([]candidate, error) {
	var cell *sources.InstalledCell
	if err := e.exec.PostAndWait(func() {
		cell = e.src.Installed.GetDataObject(user)
	}); err != nil {
		return nil, errors.Wrap(err, "autorevoke", "collectCandidates", "get installed cell")
	}
	awaitCtx, cancel := context.WithTimeout(ctx, awaitTimeout)
	installed, err := cell.Await(awaitCtx)
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, "autorevoke", "collectCandidates", "await installed packages")
	}

	now := e.now()
	threshold := e.threshold()
	since := now.Add(-threshold)

	visible, err := e.svc.Usage.LastVisibleTimes(ctx, user, since)
	if err != nil {
		return nil, errors.Wrap(err, "autorevoke", "collectCandidates", "query usage stats")
	}

	// Cross-profile usage is fetched lazily; most users have no such package.
	var profileVisible []map[string]time.Time
	loadProfiles := func() error {
		if profileVisible != nil {
			return nil
		}
		profiles, perr := e.svc.Users.EnabledProfiles(ctx, user)
		if perr != nil {
			return perr
		}
		for _, p := range profiles {
			if p == user {
				continue
			}
			v, verr := e.svc.Usage.LastVisibleTimes(ctx, p, since)
			if verr != nil {
				return verr
			}
			profileVisible = append(profileVisible, v)
		}
		if profileVisible == nil {
			profileVisible = []map[string]time.Time{}
		}
		return nil
	}

	var out []candidate
	for _, pkg := range installed {
		lastUsed := visible[pkg.PackageName]
		if pkg.CrossProfile {
			if perr := loadProfiles(); perr != nil {
				logger.Error("cross-profile usage lookup failed",
					"package", pkg.PackageName, "error", perr)
			} else {
				for _, v := range profileVisible {
					if t := v[pkg.PackageName]; t.After(lastUsed) {
						lastUsed = t
					}
				}
			}
		}
		if pkg.FirstInstallTime.After(lastUsed) {
			lastUsed = pkg.FirstInstallTime
		}
		if now.Sub(lastUsed) < threshold {
			continue
		}
		out = append(out, candidate{pkg: pkg, user: user})
	}
	return out, nil
}

// process runs the exemption check and the per-group evaluation for one
// candidate package. It executes on a pool worker; all graph access goes
// through Await, which marshals onto the mainline executor.
func (e *Engine) process(ctx context.Context, logger *slog.Logger, runID string, c candidate, revoked *revokedSet) error {
	exempt, err := e.isExempt(ctx, c)
	if err != nil {
		logger.Error("exemption check failed",
			"package", c.pkg.PackageName, "user", c.user, "error", err)
		return err
	}
	if exempt {
		return nil
	}

	groups, err := e.groupNames(ctx, c.pkg)
	if err != nil {
		logger.Error("group discovery failed",
			"package", c.pkg.PackageName, "user", c.user, "error", err)
		return err
	}

	any := false
	for _, group := range groups {
		did, gerr := e.evaluateGroup(ctx, logger, runID, c, group)
		if gerr != nil {
			logger.Error("group evaluation failed",
				"package", c.pkg.PackageName, "group", group, "error", gerr)
			continue
		}
		any = any || did
	}
	if any {
		revoked.add(c.user, c.pkg.PackageName)
	}
	return nil
}

// isExempt applies the package-level exemptions: nothing granted, an explicit
// opt-out op, or an unset op on a package that is either old enough to be
// implicitly exempt or declared the opt-out in its manifest.
func (e *Engine) isExempt(ctx context.Context, c candidate) (bool, error) {
	granted := false
	for _, flags := range c.pkg.RequestedPermissionsFlags {
		if flags&platform.ReqFlagGranted != 0 {
			granted = true
			break
		}
	}
	if !granted {
		return true, nil
	}

	mode, err := e.svc.AppOps.OpMode(ctx, platform.OpAutoRevokeExempt, c.pkg.UID, c.pkg.PackageName)
	if err != nil {
		return false, errors.Wrap(err, "autorevoke", "isExempt", "read opt-out op")
	}
	switch mode {
	case platform.OpModeAllowed:
		return true, nil
	case platform.OpModeDefault:
		// An unset op means implicit exemption for packages targeting below
		// the manifest-exemption SDK; newer packages are exempt only when
		// they declared the opt-out in their manifest.
		if c.pkg.TargetSDK < platform.TargetSDKManifestExemption {
			return true, nil
		}
		return c.pkg.ManifestAutoRevokeExempt, nil
	default:
		return false, nil
	}
}

// groupNames resolves the distinct runtime permission groups the package
// requests, excluding the non-runtime pseudo-group.
func (e *Engine) groupNames(ctx context.Context, pkg *platform.PackageInfo) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, perm := range pkg.RequestedPermissions {
		info, err := e.svc.Packages.PermissionInfo(ctx, perm)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, errors.Wrap(err, "autorevoke", "groupNames", "resolve permission")
		}
		if !info.Runtime || info.Group == "" || info.Group == platform.GroupNonRuntime {
			continue
		}
		if !seen[info.Group] {
			seen[info.Group] = true
			out = append(out, info.Group)
		}
	}
	return out, nil
}

// evaluateGroup decides and executes the revocation of one group. Returns
// true when at least one permission was actually revoked.
func (e *Engine) evaluateGroup(ctx context.Context, logger *slog.Logger, runID string, c candidate, group string) (bool, error) {
	key := sources.PermGroupKey{Pkg: c.pkg.PackageName, Group: group, User: c.user}
	var cell *aggregate.AppPermGroup
	if err := e.exec.PostAndWait(func() {
		cell = e.groups.GetDataObject(key)
	}); err != nil {
		return false, errors.Wrap(err, "autorevoke", "evaluateGroup", "get group view")
	}
	awaitCtx, cancel := context.WithTimeout(ctx, awaitTimeout)
	snapshot, err := cell.Await(awaitCtx)
	cancel()
	if err != nil {
		return false, errors.Wrap(err, "autorevoke", "evaluateGroup", "await group view")
	}
	if snapshot == nil {
		return false, nil
	}

	if snapshot.Foreground.IsFixed() || (snapshot.HasBackground && snapshot.Background.IsFixed()) {
		return false, nil
	}
	if !snapshot.AreRuntimePermissionsGranted() {
		return false, nil
	}
	fg, bg := snapshot.Foreground, snapshot.Background
	if fg.GrantedByDefault || fg.GrantedByRole ||
		(snapshot.HasBackground && (bg.GrantedByDefault || bg.GrantedByRole)) {
		return false, nil
	}
	if !fg.UserSensitive && !(snapshot.HasBackground && bg.UserSensitive) {
		return false, nil
	}

	// Telemetry records the decision itself, before the importance gate:
	// a group skipped only for visibility still counts as considered.
	for name, lp := range snapshot.AllPermissions() {
		if lp.Granted {
			e.svc.Stats.LogPermissionAutoRevoked(runID, snapshot.Pkg.UID, name)
		}
	}

	imp, err := e.svc.Importance.UidImportance(ctx, snapshot.Pkg.UID)
	if err != nil {
		return false, errors.Wrap(err, "autorevoke", "evaluateGroup", "query importance")
	}
	if imp <= platform.ImportanceTopSleeping {
		logger.Info("skipping visible process",
			"package", c.pkg.PackageName, "group", group, "importance", imp)
		return false, nil
	}

	// Background before foreground, so a partial failure never leaves
	// background-only access behind.
	revokedAny := false
	revoke := func(perm string) {
		if rerr := e.svc.Packages.RevokeRuntimePermission(ctx, perm, c.pkg.PackageName, c.user); rerr != nil {
			logger.Error("revocation failed",
				"package", c.pkg.PackageName, "permission", perm, "error", rerr)
			return
		}
		mask := platform.FlagAutoRevoked | platform.FlagUserSet
		if ferr := e.svc.Packages.UpdatePermissionFlags(
			ctx, perm, c.pkg.PackageName, c.user, mask, platform.FlagAutoRevoked); ferr != nil {
			logger.Error("flag update failed",
				"package", c.pkg.PackageName, "permission", perm, "error", ferr)
		}
		revokedAny = true
		if e.metrics != nil {
			e.metrics.RecordRevocation(group)
		}
	}
	if snapshot.HasBackground {
		for name := range bg.Permissions {
			revoke(name)
		}
	}
	for name := range fg.Permissions {
		revoke(name)
	}

	if revokedAny {
		logger.Info("group revoked",
			"package", c.pkg.PackageName, "user", c.user, "group", group)
	}
	return revokedAny, nil
}

// revokedSet accumulates (user, package) results across pool workers.
type revokedSet struct {
	mu sync.Mutex
	m  map[platform.UserHandle][]string
}

func newRevokedSet() *revokedSet {
	return &revokedSet{m: make(map[platform.UserHandle][]string)}
}

func (s *revokedSet) add(user platform.UserHandle, pkg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[user] = append(s.m[user], pkg)
}

func (s *revokedSet) byUser() map[platform.UserHandle][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[platform.UserHandle][]string, len(s.m))
	for u, pkgs := range s.m {
		out[u] = append([]string(nil), pkgs...)
	}
	return out
}

func (s *revokedSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pkgs := range s.m {
		n += len(pkgs)
	}
	return n
}
