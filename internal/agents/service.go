// Package agents runs the agent provisioning workflow: it records deploy
// requests, drives the terraform executor in the background, and serves
// status, lifecycle and destroy operations against the same records.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"clawbrick/internal/logger"
	"clawbrick/internal/provisioner"
	"clawbrick/internal/secret"
	"clawbrick/internal/store"
	"clawbrick/internal/tracer"
)

var (
	LLMProviders = []string{"anthropic", "openai", "openrouter", "ollama"}
	Regions      = []string{"bom", "del", "sgp", "nrt", "ewr", "lax", "fra", "lhr"}
)

// Executor is the infrastructure side of provisioning. *provisioner.Provisioner
// implements it.
type Executor interface {
	Provision(ctx context.Context, v provisioner.Vars) provisioner.Result
	DestroyAgent(ctx context.Context, agentID string) (string, error)
	CleanupWorkspace(agentID string)
}

// InstanceController acts on a running VM directly. *vultr.Controller
// implements it.
type InstanceController interface {
	Start(ctx context.Context, instanceID string) error
	Halt(ctx context.Context, instanceID string) error
	Reboot(ctx context.Context, instanceID string) error
	Delete(ctx context.Context, instanceID string) error
}

type DestroyMode string

const (
	DestroyAsync DestroyMode = "async"
	DestroySync  DestroyMode = "sync"
)

// Settings are the process-wide provisioning parameters.
type Settings struct {
	CloudAPIKey   string
	Domain        string
	AdminEmail    string
	ControlServer string
	DefaultRegion string
	DefaultPlan   string

	HeartbeatInterval time.Duration
	DestroyMode       DestroyMode
}

type Options struct {
	Store    store.AgentStore
	Executor Executor
	Codec    *secret.Codec
	// Controller is optional; without it lifecycle actions only change the record.
	Controller InstanceController
	Locker     *Locker
	Logger     *slog.Logger
	Clock      func() time.Time
	Settings   Settings
}

type Service struct {
	store    store.AgentStore
	exec     Executor
	codec    *secret.Codec
	ctrl     InstanceController
	locks    *Locker
	log      *slog.Logger
	now      func() time.Time
	settings Settings

	wg sync.WaitGroup
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Executor == nil || opts.Codec == nil {
		return nil, errors.New("agents: store, executor and codec are required")
	}
	s := opts.Settings
	if s.DefaultRegion == "" {
		s.DefaultRegion = provisioner.DefaultRegion
	}
	if s.DefaultPlan == "" {
		s.DefaultPlan = provisioner.DefaultPlan
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 30 * time.Second
	}
	if s.DestroyMode == "" {
		s.DestroyMode = DestroyAsync
	}
	if opts.Locker == nil {
		opts.Locker = NewLocker()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		store:    opts.Store,
		exec:     opts.Executor,
		codec:    opts.Codec,
		ctrl:     opts.Controller,
		locks:    opts.Locker,
		log:      log.With("component", "agents"),
		now:      opts.Clock,
		settings: s,
	}, nil
}

type DeployRequest struct {
	OwnerID     string `json:"userId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	LLMProvider string `json:"llmProvider"`
	LLMModel    string `json:"llmModel"`
	BotToken    string `json:"telegramBotToken"`
	APIKey      string `json:"apiKey"`
	Region      string `json:"deployRegion"`
}

// DeployResponse carries the only copy of the plaintext gateway token.
type DeployResponse struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Status       store.Status `json:"status"`
	Subdomain    string       `json:"subdomain"`
	DeployRegion string       `json:"deployRegion"`
	GatewayToken string       `json:"gatewayToken"`
}

func (s *Service) validate(req *DeployRequest) error {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Name = strings.TrimSpace(req.Name)
	req.LLMProvider = strings.ToLower(strings.TrimSpace(req.LLMProvider))
	req.LLMModel = strings.TrimSpace(req.LLMModel)
	req.BotToken = strings.TrimSpace(req.BotToken)
	req.APIKey = strings.TrimSpace(req.APIKey)
	req.Region = strings.ToLower(strings.TrimSpace(req.Region))

	switch {
	case req.OwnerID == "":
		return fmt.Errorf("%w: userId is required", ErrValidation)
	case req.Name == "":
		return fmt.Errorf("%w: name is required", ErrValidation)
	case req.LLMProvider == "" || req.LLMModel == "":
		return fmt.Errorf("%w: LLM provider and model are required", ErrValidation)
	case req.BotToken == "":
		return fmt.Errorf("%w: Telegram bot token is required", ErrValidation)
	}
	if !slices.Contains(LLMProviders, req.LLMProvider) {
		return fmt.Errorf("%w: unsupported LLM provider %q", ErrValidation, req.LLMProvider)
	}
	if req.Region == "" {
		req.Region = s.settings.DefaultRegion
	}
	if !slices.Contains(Regions, req.Region) {
		return fmt.Errorf("%w: unsupported region %q", ErrValidation, req.Region)
	}
	if req.Description == "" {
		req.Description = "OpenClaw agent with " + req.LLMModel
	}
	return nil
}

// Deploy records a new agent and starts provisioning it in the background.
// It returns as soon as the record exists; clients poll Status for the outcome.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*DeployResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "agents.deploy")
	resp, err := s.deploy(ctx, req)
	tracer.End(span, err)
	return resp, err
}

func (s *Service) deploy(ctx context.Context, req DeployRequest) (*DeployResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	gatewayToken, err := secret.GenerateToken()
	if err != nil {
		return nil, err
	}
	subdomain, err := secret.Subdomain(req.OwnerID, now)
	if err != nil {
		return nil, err
	}
	botEnc, err := s.codec.Encrypt(req.BotToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt bot token: %w", err)
	}
	var apiKeyEnc string
	if req.APIKey != "" {
		if apiKeyEnc, err = s.codec.Encrypt(req.APIKey); err != nil {
			return nil, fmt.Errorf("encrypt api key: %w", err)
		}
	}

	a := &store.Agent{
		OwnerID:               req.OwnerID,
		Name:                  req.Name,
		Description:           req.Description,
		Status:                store.StatusProvisioning,
		LLMProvider:           req.LLMProvider,
		LLMModel:              req.LLMModel,
		BotTokenEncrypted:     botEnc,
		APIKeyEncrypted:       apiKeyEnc,
		GatewayTokenHash:      secret.Hash(gatewayToken),
		Subdomain:             subdomain,
		DeployRegion:          req.Region,
		ProvisioningStartedAt: &now,
		ProvisioningLogs:      []store.LogEntry{store.NewLog(now, store.LevelInfo, "Agent creation initiated")},
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	log := s.log.With("agent_id", a.ID)
	log.Info("agent created", "owner_id", a.OwnerID, "region", a.DeployRegion, "subdomain", a.Subdomain)

	if err := s.store.AppendLog(ctx, a.ID, store.NewLog(s.now(), store.LevelInfo, "Terraform provisioning queued")); err != nil {
		log.Warn("append queued log failed", "error", err)
	}

	vars := provisioner.Vars{
		CloudAPIKey:   s.settings.CloudAPIKey,
		OwnerID:       a.OwnerID,
		AgentID:       a.ID,
		LLMProvider:   a.LLMProvider,
		LLMModel:      a.LLMModel,
		BotToken:      req.BotToken,
		APIKey:        req.APIKey,
		GatewayToken:  gatewayToken,
		Subdomain:     a.Subdomain,
		Domain:        s.settings.Domain,
		AdminEmail:    s.settings.AdminEmail,
		ControlServer: s.settings.ControlServer,
		Region:        a.DeployRegion,
		Plan:          s.settings.DefaultPlan,
	}
	s.wg.Add(1)
	go s.runProvisioning(context.WithoutCancel(ctx), a.ID, vars)

	return &DeployResponse{
		ID:           a.ID,
		Name:         a.Name,
		Status:       a.Status,
		Subdomain:    a.Subdomain,
		DeployRegion: a.DeployRegion,
		GatewayToken: gatewayToken,
	}, nil
}

// Wait blocks until every background run started by this service has finished.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) runProvisioning(ctx context.Context, id string, vars provisioner.Vars) {
	defer s.wg.Done()
	log := s.log.With("agent_id", id)
	ctx, span := tracer.StartSpan(ctx, "agents.provision", tracer.StringAttr("agent_id", id))

	stop := s.startHeartbeat(ctx, id)
	res := s.execute(ctx, vars)
	stop()

	err := s.finishProvisioning(ctx, id, res)
	if err != nil {
		log.Error("record provisioning outcome failed", "error", err)
	}
	if res.Err != nil {
		tracer.End(span, res.Err)
	} else {
		tracer.End(span, err)
	}
}

// execute runs the executor, turning a panic into a failed result.
func (s *Service) execute(ctx context.Context, vars provisioner.Vars) (res provisioner.Result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("provisioning panicked: %v", r)
			res = provisioner.Result{Success: false, Logs: append(res.Logs, err.Error()), Err: err}
		}
	}()
	return s.exec.Provision(ctx, vars)
}

func (s *Service) startHeartbeat(ctx context.Context, id string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	beat := func() {
		if err := s.store.Heartbeat(ctx, id, s.now()); err != nil {
			s.log.Warn("heartbeat failed", "agent_id", id, "error", err)
		}
	}
	go func() {
		defer close(finished)
		beat()
		t := time.NewTicker(s.settings.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				beat()
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (s *Service) isDestroyed(ctx context.Context, id string) bool {
	a, err := s.store.Get(ctx, id)
	return err == nil && a.Status == store.StatusDestroyed
}

func (s *Service) finishProvisioning(ctx context.Context, id string, res provisioner.Result) error {
	log := s.log.With("agent_id", id)
	now := s.now().UTC()

	logLevel := store.LevelInfo
	if !res.Success {
		logLevel = store.LevelError
	}
	entries := make([]store.LogEntry, 0, len(res.Logs)+1)
	for _, line := range res.Logs {
		entries = append(entries, store.NewLog(now, logLevel, line))
	}

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	var upd store.AgentUpdate
	to := store.StatusRunning
	if res.Success && res.Outputs != nil && res.Outputs.InstanceID != "" && res.Outputs.MainIP != "" {
		url := GatewayURL(a.Subdomain, res.Outputs.MainIP, s.settings.Domain)
		upd = store.AgentUpdate{
			InstanceID:              &res.Outputs.InstanceID,
			InstanceIP:              &res.Outputs.MainIP,
			GatewayURL:              url,
			ProvisioningCompletedAt: &now,
			Logs: append(entries, store.NewLog(now, store.LevelInfo,
				"Agent provisioned successfully at "+*url)),
		}
	} else {
		to = store.StatusError
		reason := "terraform outputs missing instance id or IP address"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		upd = store.AgentUpdate{
			LastError: &reason,
			Logs:      append(entries, store.NewLog(now, store.LevelError, "Provisioning failed: "+reason)),
		}
	}

	err = s.store.TransitionStatus(ctx, id, []store.Status{store.StatusProvisioning}, to, upd)
	switch {
	case errors.Is(err, store.ErrConflict):
		// Destroyed, or failed by the reconciler, while terraform ran.
		log.Warn("agent left provisioning during run", "outcome", to)
		if err := s.store.AppendLog(ctx, id, entries...); err != nil {
			log.Warn("append executor logs failed", "error", err)
		}
		switch {
		case to == store.StatusRunning:
			s.teardown(ctx, id, res.Outputs.InstanceID)
		case s.isDestroyed(ctx, id):
			// A failed apply can leave a VM behind in the terraform state.
			s.teardown(ctx, id, "")
		}
		return nil
	case err != nil:
		return err
	}

	if to == store.StatusError {
		// The workspace stays: its state is what destroy tears down later.
		log.Warn("provisioning failed", "status", to, "error", *upd.LastError)
		return nil
	}
	log.Info("provisioning succeeded", "status", to, "instance_id", res.Outputs.InstanceID)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*AgentView, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := newAgentView(a, s.settings.Domain)
	return &v, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]AgentView, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	list, err := s.store.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]AgentView, 0, len(list))
	for i := range list {
		out = append(out, newAgentView(&list[i], s.settings.Domain))
	}
	return out, nil
}

func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := newStatusView(a, s.settings.Domain, s.now())
	return &v, nil
}

// Verify reports whether token is the gateway token issued for id.
func (s *Service) Verify(ctx context.Context, id, token string) (bool, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return secret.Verify(token, a.GatewayTokenHash), nil
}
