package engine

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/backend"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/blocks"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/config"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/events"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/matcher"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/mdm"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/pii"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/rbac"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/repo"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/retry"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/state"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/syncqueue"
)

// Permissions guarding engine operations.
const (
	PermPipelineRun = "pipeline:run"
	PermQueueDrain  = "queue:drain"
	PermQueueRead   = "queue:read"
	PermPIIUse      = "pii:use"
	PermAuditRead   = "audit:read"
	PermConfigWrite = "config:write"

	// OperatorRole is granted to the local agent user.
	OperatorRole = "operator"
)

const (
	metaKind          = "kind"
	kindProposedBlock = "proposed_block"
)

// CandidateSource ranks WBS candidates for merged block signals.
// *matcher.Matcher satisfies it.
type CandidateSource interface {
	Candidates(ctx context.Context, s domain.ContextSignals) []domain.ProjectMatch
}

// Sink receives sync batches. *backend.Client satisfies it.
type Sink interface {
	SendBatch(ctx context.Context, b backend.Batch) (backend.Result, error)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Builder    *blocks.Builder
	Extractor  *matcher.Extractor
	Classifier Classifier
	// Matcher is rebuilt from Repo on each run when nil, so a fresh WBS
	// import is picked up without a restart.
	Matcher  CandidateSource
	Policy   *mdm.Engine
	PII      *pii.Matcher
	Queue    *syncqueue.Queue
	Backend  Sink
	Retry    *retry.Executor
	Breaker  *retry.Breaker
	RBAC     *rbac.Manager
	Audit    *audit.Logger
	Logger   *slog.Logger
	Location *time.Location
	DeviceID string
	Now      func() time.Time
}

type options struct {
	registerer prometheus.Registerer
	getenv     func(string) string
	logger     *slog.Logger
}

type Option func(*options)

// WithRegisterer exposes the queue and PII collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func WithGetenv(fn func(string) string) Option { return func(o *options) { o.getenv = fn } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// New wires every pipeline component from cfg. The MDM policy is read
// from cfg.MDM.File when that file exists.
func New(db *sql.DB, cfg *config.Config, workspace string, opts ...Option) (*Engine, error) {
	o := options{getenv: os.Getenv}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Or(o.logger)

	loc, err := cfg.Location()
	if err != nil {
		return nil, errs.Config(err.Error(), "device.timezone")
	}
	r := repo.Repo{DB: db}
	e := &Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{DB: db},
		Extractor:  matcher.NewExtractor(),
		Classifier: RulesClassifier{Blocks: cfg.Blocks},
		Logger:     logger,
		Location:   loc,
		DeviceID:   cfg.Device.ID,
		Now:        time.Now,
	}
	if e.Builder, err = blocks.New(cfg.Blocks, blocks.WithLocation(loc)); err != nil {
		return nil, err
	}

	e.Audit = audit.New(cfg.AuditSettings(workspace), audit.WithLogger(logger), audit.WithEnv(o.getenv))
	e.RBAC = rbac.New(rbac.WithStore(repo.RoleStore{Repo: r}), rbac.WithLogger(logger))
	if err := RegisterOperatorRole(e.RBAC); err != nil {
		return nil, err
	}

	piiOpts := []pii.Option{pii.WithLogger(logger)}
	queueOpts := []syncqueue.Option{syncqueue.WithLogger(logger), syncqueue.WithKeyFunc(syncqueue.ContentKey)}
	if o.registerer != nil {
		piiOpts = append(piiOpts, pii.WithRegisterer(o.registerer))
		queueOpts = append(queueOpts, syncqueue.WithRegisterer(o.registerer))
	}
	if e.PII, err = pii.New(cfg.PIISettings(), piiOpts...); err != nil {
		return nil, err
	}
	qcfg, err := cfg.QueueSettings(workspace, o.getenv)
	if err != nil {
		return nil, err
	}
	if e.Queue, err = syncqueue.New(qcfg, queueOpts...); err != nil {
		return nil, err
	}

	if e.Retry, err = retry.New(retry.DefaultConfig()); err != nil {
		return nil, err
	}
	e.Breaker = retry.NewBreaker("sync_backend", 5, time.Minute)

	if e.Policy, err = newPolicy(cfg, workspace, e.Retry, e.Audit, logger); err != nil {
		return nil, err
	}
	if cfg.Backend.URL != "" {
		c := backend.New(cfg.Backend.URL)
		c.Timeout = cfg.Backend.Timeout
		if cfg.Backend.TokenEnv != "" {
			c.BearerToken = o.getenv(cfg.Backend.TokenEnv)
		}
		e.Backend = c
	}
	return e, nil
}

func newPolicy(cfg *config.Config, workspace string, ex *retry.Executor, auditor mdm.Auditor, logger *slog.Logger) (*mdm.Engine, error) {
	local := mdm.DefaultConfig()
	if cfg.MDM.File != "" {
		path := workspacePath(workspace, cfg.MDM.File)
		if _, err := os.Stat(path); err == nil {
			if local, err = mdm.LoadFile(path); err != nil {
				return nil, err
			}
		}
	}
	opts := []mdm.EngineOption{mdm.WithAuditor(auditor), mdm.WithLogger(logger)}
	remote := cfg.MDM.RemoteURL
	if remote == "" {
		remote = local.RemoteConfigURL
	}
	if remote != "" {
		copts := []mdm.ClientOption{mdm.WithRetry(ex), mdm.WithClientLogger(logger)}
		if cfg.MDM.Timeout > 0 {
			copts = append(copts, mdm.WithTimeout(cfg.MDM.Timeout))
		}
		if cfg.MDM.CABundle != "" {
			copts = append(copts, mdm.WithCABundle(workspacePath(workspace, cfg.MDM.CABundle)))
		}
		if cfg.MDM.PublicKey != "" {
			raw, err := base64.StdEncoding.DecodeString(cfg.MDM.PublicKey)
			if err != nil || len(raw) != ed25519.PublicKeySize {
				return nil, errs.Config("must be a base64 ed25519 public key", "mdm.public_key")
			}
			copts = append(copts, mdm.WithPublicKey(ed25519.PublicKey(raw)))
		}
		client, err := mdm.NewClient(remote, copts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mdm.WithClient(client))
	}
	return mdm.NewEngine(local, opts...)
}

// RegisterOperatorRole adds the role the local agent user runs under. It
// is a no-op when the role already exists.
func RegisterOperatorRole(m *rbac.Manager) error {
	err := m.CreateRole(rbac.Role{
		ID:          OperatorRole,
		Name:        "Operator",
		Description: "Runs the classification pipeline and the sync worker",
		Permissions: []string{"pipeline:*", "queue:*", PermPIIUse, PermAuditRead},
		ParentRole:  "user",
		Priority:    40,
	})
	if err != nil && errs.Is(err, errs.KindValidation) {
		if _, ok := m.Role(OperatorRole); ok {
			return nil
		}
	}
	return err
}

// Lifecycle returns a controller over the engine's stateful components in
// start order.
func (e *Engine) Lifecycle() *state.Controller {
	c := state.NewController()
	if e.Audit != nil {
		c.Register(e.Audit)
	}
	if e.Queue != nil {
		c.Register(e.Queue)
	}
	return c
}

// Start restores role assignments and the queue snapshot, then records the
// application start.
func (e *Engine) Start(ctx context.Context, version string) (*state.Controller, error) {
	if err := e.RBAC.Load(ctx); err != nil {
		return nil, err
	}
	c := e.Lifecycle()
	if err := c.InitializeAll(ctx); err != nil {
		return nil, err
	}
	if e.Audit != nil {
		e.Audit.Log(audit.ApplicationStartedEvent(version, e.DeviceID), audit.SeverityInfo, audit.SystemContext("engine"))
	}
	return c, nil
}

// Stop records the shutdown and persists the queue.
func (e *Engine) Stop(ctx context.Context, c *state.Controller, reason string) error {
	if e.Audit != nil {
		e.Audit.Log(audit.ApplicationStoppedEvent(reason), audit.SeverityInfo, audit.SystemContext("engine"))
	}
	return c.ShutdownAll(ctx)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger { return logging.Or(e.Logger) }

func auditContext(u rbac.UserContext) audit.Context {
	return audit.Context{UserID: u.UserID, SessionID: u.SessionID, IPAddress: u.IPAddress, UserAgent: u.UserAgent}
}

// Authorize checks permission and records the check in the audit log.
func (e *Engine) Authorize(u rbac.UserContext, permission string) error {
	err := e.RBAC.Require(u, permission)
	if e.Audit != nil {
		sev := audit.SeverityInfo
		if err != nil {
			sev = audit.SeveritySecurity
		}
		e.Audit.Log(audit.PermissionCheckEvent(u.UserID, permission, err == nil), sev, auditContext(u))
	}
	return err
}

// AuditCritical records a Security event when err is critical. Other
// errors are left to the caller.
func (e *Engine) AuditCritical(u rbac.UserContext, op string, err error) {
	if e.Audit == nil || !errs.IsCritical(err) {
		return
	}
	e.Audit.Log(audit.SuspiciousActivityEvent(op+": "+err.Error(), "critical"), audit.SeveritySecurity, auditContext(u))
}

// ProcessRequest carries one day of segments. Day is YYYY-MM-DD in the
// engine's location.
type ProcessRequest struct {
	Day      string
	Segments []domain.ActivitySegment
}

type ProcessResult struct {
	Day      string                 `json:"day"`
	Blocks   []domain.ProposedBlock `json:"blocks"`
	Enqueued int                    `json:"enqueued"`
	Blocked  int                    `json:"blocked"`
}

// ProcessDay runs the pipeline for one day: build and persist blocks,
// classify each from its segment signals, gate on MDM compliance, redact
// free text and enqueue the survivors for sync.
func (e *Engine) ProcessDay(ctx context.Context, u rbac.UserContext, req ProcessRequest) (ProcessResult, error) {
	res, err := e.processDay(ctx, u, req)
	if err != nil {
		e.AuditCritical(u, "pipeline.process_day", err)
	}
	return res, err
}

func (e *Engine) processDay(ctx context.Context, u rbac.UserContext, req ProcessRequest) (ProcessResult, error) {
	if err := e.Authorize(u, PermPipelineRun); err != nil {
		return ProcessResult{}, err
	}
	dayEpoch, err := blocks.ParseDay(req.Day, e.Location)
	if err != nil {
		return ProcessResult{}, errs.Validation("day", "must be YYYY-MM-DD", req.Day)
	}
	for _, s := range req.Segments {
		if err := s.Validate(); err != nil {
			return ProcessResult{}, errs.Validation("segments", err.Error(), s.ID)
		}
	}

	built := e.Builder.Build(req.Segments, dayEpoch)
	if err := e.persist(ctx, u, req.Day, built, true); err != nil {
		return ProcessResult{}, err
	}
	e.withdrawDay(req.Day)

	source, err := e.candidates(ctx)
	if err != nil {
		return ProcessResult{}, err
	}
	bySegment := make(map[string]domain.ActivitySegment, len(req.Segments))
	for _, s := range req.Segments {
		bySegment[s.ID] = s
	}

	res := ProcessResult{Day: req.Day, Blocks: built}
	for i := range res.Blocks {
		blk := &res.Blocks[i]
		var sigs []domain.ContextSignals
		for _, id := range blk.SegmentIDs {
			sigs = append(sigs, e.Extractor.Segment(bySegment[id]))
		}
		merged := matcher.Merge(sigs)
		c := e.Classifier.Classify(ctx, *blk, merged, source.Candidates(ctx, merged))
		blk.ApplyMatch(c.Match, c.Classifier, c.Billable)
		if !e.gate(u, req.Day, blk, merged) {
			res.Blocked++
		}
	}

	if err := e.redact(ctx, res.Blocks); err != nil {
		return ProcessResult{}, err
	}
	if err := e.persist(ctx, u, req.Day, res.Blocks, false); err != nil {
		return ProcessResult{}, err
	}

	for _, blk := range res.Blocks {
		if blk.Status == domain.BlockStatusBlocked {
			continue
		}
		if err := e.enqueue(ctx, u, req.Day, blk); err != nil {
			return res, err
		}
		res.Enqueued++
	}
	if e.Audit != nil {
		e.Audit.Log(audit.DataModifiedEvent("proposed_block", "classify", len(res.Blocks)), audit.SeverityInfo, auditContext(u))
	}
	e.logger().Info("day processed", "day", req.Day, "blocks", len(res.Blocks), "enqueued", res.Enqueued, "blocked", res.Blocked)
	return res, nil
}

func (e *Engine) candidates(ctx context.Context) (CandidateSource, error) {
	if e.Matcher != nil {
		return e.Matcher, nil
	}
	return matcher.New(ctx, e.Repo, matcher.WithLogger(e.logger()), matcher.WithClock(e.now))
}

// persist stores the day's blocks in one transaction. The first write of a
// run replaces whatever an earlier run left for the day.
func (e *Engine) persist(ctx context.Context, u rbac.UserContext, day string, blks []domain.ProposedBlock, fresh bool) error {
	return e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if fresh {
			if _, err := e.Repo.DeleteDay(ctx, tx, day); err != nil {
				return errs.Storage(err.Error(), "delete_day")
			}
		}
		for _, b := range blks {
			if err := e.Repo.SaveProposedBlock(ctx, tx, day, b); err != nil {
				return errs.Storage(err.Error(), "save_block")
			}
		}
		if fresh {
			return e.Events.Append(ctx, tx, events.BlocksBuilt, day, events.EntityBlock, "", u.UserID, events.Payload{"count": len(blks)})
		}
		for _, b := range blks {
			typ := events.BlockClassified
			if b.Status == domain.BlockStatusBlocked {
				typ = events.BlockBlocked
			}
			payload := events.Payload{"wbs_code": b.InferredWbsCode, "confidence": b.Confidence, "billable": b.Billable}
			if err := e.Events.Append(ctx, tx, typ, day, events.EntityBlock, b.ID, u.UserID, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// complianceContext exposes the classification to MDM rules. Empty values
// are left out so existence checks fail on them.
func (e *Engine) complianceContext(day string, blk *domain.ProposedBlock, s domain.ContextSignals) mdm.ComplianceContext {
	cc := mdm.NewContext()
	set := func(k, v string) {
		if v != "" {
			cc = cc.With(k, v)
		}
	}
	set("device_id", e.DeviceID)
	set("day", day)
	set("block_id", blk.ID)
	set("project_id", blk.InferredProjectID)
	set("wbs_code", blk.InferredWbsCode)
	set("workstream", blk.InferredWorkstream)
	set("classifier", blk.ClassifierUsed)
	set("app_category", string(s.AppCategory))
	set("url_domain", s.URLDomain)
	set("billable", strconv.FormatBool(blk.Billable))
	set("vdr", strconv.FormatBool(s.IsVDRProvider))
	set("confidence", strconv.FormatFloat(blk.Confidence, 'f', 2, 64))
	set("duration_secs", strconv.FormatInt(blk.DurationSecs, 10))
	return cc
}

// gate evaluates the MDM rules for a classified block. With enforcement on
// a failing block is marked blocked and false is returned.
func (e *Engine) gate(u rbac.UserContext, day string, blk *domain.ProposedBlock, s domain.ContextSignals) bool {
	if e.Policy == nil {
		return true
	}
	rep := e.Policy.CheckCompliance(e.complianceContext(day, blk, s))
	if rep.IsCompliant() {
		return true
	}
	failed := rep.Failed()
	violation := "compliance"
	if len(failed) > 0 {
		violation = failed[0].RuleName
	}
	sev := audit.SeverityWarning
	if rep.CriticalFailures > 0 {
		sev = audit.SeverityCritical
	}
	if !e.Policy.Enforcing() {
		e.logger().Warn("block fails compliance, enforcement off", "block_id", blk.ID, "rule", violation)
		return true
	}
	blk.Status = domain.BlockStatusBlocked
	for _, f := range failed {
		blk.Reasons = append(blk.Reasons, "blocked:"+f.RuleName)
	}
	if e.Audit != nil {
		e.Audit.LogWithCorrelation(audit.ComplianceViolationEvent("mdm", violation, sev), sev, auditContext(u), blk.ID, map[string]string{"day": day})
	}
	e.logger().Warn("block blocked by policy", "block_id", blk.ID, "rule", violation)
	return false
}

// redact scrubs PII from the free text of every block concurrently. These
// calls bypass the detector's rate limit, which guards outside callers.
func (e *Engine) redact(ctx context.Context, blks []domain.ProposedBlock) error {
	if e.PII == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(pii.WithoutRateLimit(ctx))
	g.SetLimit(4)
	for i := range blks {
		g.Go(func() error {
			blk := &blks[i]
			for j, r := range blk.Reasons {
				out, err := e.PII.Redact(gctx, r)
				if err != nil {
					return err
				}
				blk.Reasons[j] = out
			}
			for j, a := range blk.Activities {
				out, err := e.PII.Redact(gctx, a.Name)
				if err != nil {
					return err
				}
				blk.Activities[j].Name = out
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("redact blocks: %w", err)
	}
	return nil
}

// withdrawDay cancels the queued blocks of an earlier run for day, whose
// rows the rebuild just replaced.
func (e *Engine) withdrawDay(day string) {
	if e.Queue == nil {
		return
	}
	n := e.Queue.CancelWhere(func(it syncqueue.Item) bool {
		return it.PartitionKey == day && it.Metadata[metaKind] == kindProposedBlock
	})
	if n > 0 {
		e.logger().Info("withdrew queued blocks", "day", day, "items", n)
	}
}

func (e *Engine) enqueue(ctx context.Context, u rbac.UserContext, day string, blk domain.ProposedBlock) error {
	if e.Queue == nil {
		return nil
	}
	payload, err := json.Marshal(blk)
	if err != nil {
		return errs.Serialization(err.Error(), "json")
	}
	it := syncqueue.NewItem(syncqueue.Normal, payload)
	it.CorrelationID = blk.ID
	it.PartitionKey = day
	it.Metadata = map[string]string{"device_id": e.DeviceID, metaKind: kindProposedBlock}
	if err := e.Queue.Push(it); err != nil {
		var ce *errs.Error
		if errors.As(err, &ce) && ce.Kind == errs.KindValidation && ce.Fields["field"] == "payload" {
			e.logger().Debug("block already queued", "block_id", blk.ID)
			return nil
		}
		return err
	}
	return e.Events.Append(ctx, nil, events.BlockEnqueued, day, events.EntitySyncItem, it.ID, u.UserID, events.Payload{"block_id": blk.ID})
}

// ImportWbs replaces the local WBS registry.
func (e *Engine) ImportWbs(ctx context.Context, u rbac.UserContext, elems []domain.WbsElement) error {
	if err := e.Authorize(u, PermConfigWrite); err != nil {
		return err
	}
	for _, w := range elems {
		if w.WbsCode == "" || w.ProjectDef == "" {
			return errs.Validation("wbs_code", "wbs_code and project_def are required", w.WbsCode)
		}
	}
	if err := e.Repo.ReplaceAll(ctx, elems, e.now()); err != nil {
		return errs.Storage(err.Error(), "replace_wbs")
	}
	if e.Audit != nil {
		e.Audit.Log(audit.DataModifiedEvent("wbs_cache", "replace", len(elems)), audit.SeverityInfo, auditContext(u))
	}
	return e.Events.Append(ctx, nil, events.WbsImported, "", events.EntityWbsRegistry, "", u.UserID, events.Payload{"count": len(elems)})
}

func workspacePath(workspace, p string) string {
	if p == "" || workspace == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
