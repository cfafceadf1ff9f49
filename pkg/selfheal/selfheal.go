// Package selfheal implements the self-healing controller (C9): a
// per-provider failure tracker that selects and runs a table-driven
// recovery strategy asynchronously off the failure event, and resets
// the provider's circuit breaker once recovery has proven itself over
// several consecutive attempts.
package selfheal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/S-Corkum/orchestrator-core/pkg/circuitbreaker"
	coreerrors "github.com/S-Corkum/orchestrator-core/pkg/errors"
	"github.com/S-Corkum/orchestrator-core/pkg/observability"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// Action is one recovery step a strategy may take.
type Action string

const (
	ActionRestartBrowser      Action = "restart_browser"
	ActionRediscoverSelectors Action = "rediscover_selectors"
	ActionWaitAndRetry        Action = "wait_and_retry"
	ActionClearCookies        Action = "clear_cookies"
	ActionChangeUserAgent     Action = "change_user_agent"
	ActionResetSession        Action = "reset_session"
	ActionUpdateConfig        Action = "update_config"
	ActionClearCache          Action = "clear_cache"
)

// Level is a provider's failure severity, derived from its consecutive
// failure count per spec.md §4.9.
type Level string

const (
	LevelNone     Level = "none"
	LevelDegraded Level = "degraded"
	LevelFailing  Level = "failing"
	LevelCritical Level = "critical"
)

// Consecutive-failure thresholds for each Level.
const (
	DegradedThreshold = 3
	FailingThreshold  = 5
	CriticalThreshold = 10
)

// recoverySuccessesToReset is how many consecutive successful recovery
// invocations for a provider trigger a circuit reset.
const recoverySuccessesToReset = 3

func levelFor(consecutiveFailures int) Level {
	switch {
	case consecutiveFailures >= CriticalThreshold:
		return LevelCritical
	case consecutiveFailures >= FailingThreshold:
		return LevelFailing
	case consecutiveFailures >= DegradedThreshold:
		return LevelDegraded
	default:
		return LevelNone
	}
}

// BrowserManager is the external collaborator for browser-level recovery
// actions (spec.md §6).
type BrowserManager interface {
	Restart(ctx context.Context, provider string) error
	ClearCache(ctx context.Context, provider string) error
	ClearCookies(ctx context.Context, provider string) error
	SetUserAgent(ctx context.Context, provider, agent string) error
}

// SelectorDiscovery re-discovers a provider's page selectors. An empty
// result is treated as a recovery failure.
type SelectorDiscovery interface {
	Discover(ctx context.Context, provider string) (map[string]string, error)
}

// ConfigManager reloads a provider's configuration and applies
// rediscovered selectors.
type ConfigManager interface {
	Reload(ctx context.Context, provider string) error
	UpdateSelectors(ctx context.Context, provider string, selectors map[string]string) error
}

// EventSink receives self-healing lifecycle events.
type EventSink interface {
	Emit(event string, payload map[string]interface{})
}

// Config mirrors spec.md §6's self_heal.* fields.
type Config struct {
	Enabled     bool
	AutoRecover bool
	HistoryCap  int // default 1000
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, AutoRecover: true, HistoryCap: 1000}
}

// providerTracker holds the mutable per-provider recovery state.
type providerTracker struct {
	consecutiveFailures        int
	consecutiveRecoverySuccess int
}

// Controller is the C9 self-healing controller.
type Controller struct {
	config     Config
	breakers   *circuitbreaker.Manager
	classifier *coreerrors.Classifier
	browser    BrowserManager
	selectors  SelectorDiscovery
	configs    ConfigManager
	events     EventSink
	logger     observability.Logger
	metrics    observability.MetricsClient

	mu       sync.Mutex
	trackers map[string]*providerTracker
	history  []types.RecoveryRecord

	wg sync.WaitGroup
}

// New creates a Controller. classifier, browser, selectors, and configs
// may be nil (recovery actions that would need them are then
// best-effort no-ops reported as failed).
func New(
	config Config,
	breakers *circuitbreaker.Manager,
	classifier *coreerrors.Classifier,
	browser BrowserManager,
	selectors SelectorDiscovery,
	configs ConfigManager,
	events EventSink,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Controller {
	if config.HistoryCap <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &Controller{
		config:     config,
		breakers:   breakers,
		classifier: classifier,
		browser:    browser,
		selectors:  selectors,
		configs:    configs,
		events:     events,
		logger:     logger,
		metrics:    metrics,
		trackers:   make(map[string]*providerTracker),
	}
}

// OnFailure records a failure for provider and, once its consecutive
// failure count crosses a level threshold, kicks off recovery
// asynchronously. It never blocks the caller's request path.
func (c *Controller) OnFailure(ctx context.Context, provider string, ce *coreerrors.ClassifiedError) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	tr, ok := c.trackers[provider]
	if !ok {
		tr = &providerTracker{}
		c.trackers[provider] = tr
	}
	tr.consecutiveFailures++
	count := tr.consecutiveFailures
	level := levelFor(count)
	c.mu.Unlock()

	// Only fire when the count lands exactly on a threshold boundary, so
	// a provider stuck at one level doesn't re-trigger the same strategy
	// on every subsequent failure.
	thresholdCrossed := count == DegradedThreshold || count == FailingThreshold || count == CriticalThreshold
	if !thresholdCrossed || !c.config.AutoRecover {
		return
	}

	strategy := selectStrategy(ce, level)
	if len(strategy) == 0 {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runStrategy(provider, ce, strategy)
	}()
}

// OnSuccess clears provider's consecutive-failure count, reflecting a
// request that completed without needing recovery.
func (c *Controller) OnSuccess(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.trackers[provider]; ok {
		tr.consecutiveFailures = 0
	}
}

// History returns a snapshot of the bounded recovery audit trail.
func (c *Controller) History() []types.RecoveryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.RecoveryRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Wait blocks until every in-flight recovery goroutine has finished.
// Intended for tests and graceful shutdown; never call it from the
// synchronous request path.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) runStrategy(provider string, ce *coreerrors.ClassifiedError, actions []Action) {
	succeeded := false
	for _, action := range actions {
		record := types.RecoveryRecord{
			ID:        provider + ":" + string(action) + ":" + time.Now().UTC().Format(time.RFC3339Nano),
			Provider:  provider,
			Action:    string(action),
			Context:   contextFor(ce),
			StartedAt: time.Now(),
		}

		c.emit("recovery_action_started", provider, string(action))
		err := c.execute(context.Background(), provider, action, ce)
		record.Duration = time.Since(record.StartedAt)
		record.Success = err == nil
		if err != nil {
			record.Error = err.Error()
		}
		c.recordHistory(record)

		if err != nil {
			c.logger.Warn("recovery action failed", map[string]interface{}{
				"provider": provider,
				"action":   string(action),
				"error":    err.Error(),
			})
			c.emit("recovery_action_failed", provider, string(action))
			continue
		}

		c.emit("recovery_action_completed", provider, string(action))
		succeeded = true
		break
	}

	if c.classifier != nil && ce != nil {
		outcome := coreerrors.CategoryTransient
		if !succeeded {
			outcome = ce.Category
		}
		c.classifier.Learn(provider, ce.Message, outcome)
	}

	c.mu.Lock()
	tr, ok := c.trackers[provider]
	if !ok {
		tr = &providerTracker{}
		c.trackers[provider] = tr
	}
	if succeeded {
		tr.consecutiveRecoverySuccess++
		// A successful recovery clears the failure streak so the next
		// strategy invocation requires a fresh run of consecutive
		// failures, rather than firing again on the very next one.
		tr.consecutiveFailures = 0
	} else {
		tr.consecutiveRecoverySuccess = 0
	}
	reset := tr.consecutiveRecoverySuccess >= recoverySuccessesToReset
	if reset {
		tr.consecutiveRecoverySuccess = 0
		tr.consecutiveFailures = 0
	}
	c.mu.Unlock()

	if reset && c.breakers != nil {
		c.breakers.Reset(provider)
		c.emit("platform_recovered", provider, "")
	}
}

func (c *Controller) execute(ctx context.Context, provider string, action Action, ce *coreerrors.ClassifiedError) error {
	switch action {
	case ActionRestartBrowser:
		return c.requireBrowser().Restart(ctx, provider)
	case ActionClearCache:
		return c.requireBrowser().ClearCache(ctx, provider)
	case ActionClearCookies:
		return c.requireBrowser().ClearCookies(ctx, provider)
	case ActionChangeUserAgent:
		return c.requireBrowser().SetUserAgent(ctx, provider, rotatedUserAgent())
	case ActionRediscoverSelectors:
		return c.rediscoverSelectors(ctx, provider)
	case ActionResetSession:
		return c.requireBrowser().ClearCookies(ctx, provider)
	case ActionUpdateConfig:
		return c.requireConfigs().Reload(ctx, provider)
	case ActionWaitAndRetry:
		time.Sleep(waitAndRetryDelay)
		return nil
	default:
		return errUnknownAction(action)
	}
}

const waitAndRetryDelay = 500 * time.Millisecond

func (c *Controller) rediscoverSelectors(ctx context.Context, provider string) error {
	if c.selectors == nil {
		return errNoCollaborator("selector discovery")
	}
	found, err := c.selectors.Discover(ctx, provider)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return errEmptyDiscovery(provider)
	}
	if c.configs == nil {
		return nil
	}
	return c.configs.UpdateSelectors(ctx, provider, found)
}

func (c *Controller) requireBrowser() BrowserManager {
	if c.browser != nil {
		return c.browser
	}
	return noopBrowser{}
}

func (c *Controller) requireConfigs() ConfigManager {
	if c.configs != nil {
		return c.configs
	}
	return noopConfigs{}
}

func (c *Controller) recordHistory(record types.RecoveryRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, record)
	if len(c.history) > c.config.HistoryCap {
		c.history = c.history[len(c.history)-c.config.HistoryCap:]
	}
}

func (c *Controller) emit(event, provider, action string) {
	if c.events == nil {
		return
	}
	payload := map[string]interface{}{"provider": provider}
	if action != "" {
		payload["action"] = action
	}
	c.events.Emit(event, payload)
}

func contextFor(ce *coreerrors.ClassifiedError) string {
	if ce == nil {
		return ""
	}
	return string(ce.Category) + ": " + ce.Message
}

// selectStrategy chooses the ordered recovery actions for a failure,
// evaluating signal/category-specific rules before the coarser
// level-based fallback, per the ordering worked out against spec.md
// §4.9's rule table (the table itself doesn't state a priority; the
// most specific signal available should win over a generic level rule).
func selectStrategy(ce *coreerrors.ClassifiedError, level Level) []Action {
	message := ""
	category := coreerrors.CategoryUnknown
	if ce != nil {
		message = strings.ToLower(ce.Message)
		category = ce.Category
	}

	switch {
	case strings.Contains(message, "captcha"):
		return []Action{ActionClearCookies, ActionChangeUserAgent}
	case strings.Contains(message, "selector not found"), strings.Contains(message, "element not found"):
		return []Action{ActionRediscoverSelectors, ActionRestartBrowser}
	case category == coreerrors.CategoryBrowser:
		return []Action{ActionRestartBrowser}
	case category == coreerrors.CategoryTimeout:
		return []Action{ActionWaitAndRetry, ActionRestartBrowser}
	case category == coreerrors.CategoryRateLimit:
		return []Action{ActionWaitAndRetry}
	case category == coreerrors.CategoryAuth:
		return []Action{ActionResetSession, ActionUpdateConfig}
	}

	switch level {
	case LevelCritical:
		return []Action{ActionClearCache, ActionClearCookies, ActionRestartBrowser, ActionUpdateConfig}
	case LevelFailing:
		return []Action{ActionRestartBrowser, ActionRediscoverSelectors}
	case LevelDegraded:
		return []Action{ActionWaitAndRetry, ActionRestartBrowser}
	default:
		return []Action{ActionRestartBrowser}
	}
}

func rotatedUserAgent() string {
	return "Mozilla/5.0 (compatible; orchestrator-core self-heal rotation)"
}

type noopBrowser struct{}

func (noopBrowser) Restart(ctx context.Context, provider string) error          { return errNoCollaborator("browser manager") }
func (noopBrowser) ClearCache(ctx context.Context, provider string) error       { return errNoCollaborator("browser manager") }
func (noopBrowser) ClearCookies(ctx context.Context, provider string) error     { return errNoCollaborator("browser manager") }
func (noopBrowser) SetUserAgent(ctx context.Context, provider, agent string) error {
	return errNoCollaborator("browser manager")
}

type noopConfigs struct{}

func (noopConfigs) Reload(ctx context.Context, provider string) error { return errNoCollaborator("config manager") }
func (noopConfigs) UpdateSelectors(ctx context.Context, provider string, selectors map[string]string) error {
	return errNoCollaborator("config manager")
}

type selfHealError string

func (e selfHealError) Error() string { return string(e) }

func errNoCollaborator(what string) error {
	return selfHealError("self-heal: no " + what + " configured")
}

func errEmptyDiscovery(provider string) error {
	return selfHealError("self-heal: selector discovery returned nothing for " + provider)
}

func errUnknownAction(action Action) error {
	return selfHealError("self-heal: unknown action " + string(action))
}
