package agents

import (
	"time"

	"clawbrick/internal/store"
)

// AgentView is the client projection of a record. Ciphertext, the gateway
// token hash and the raw provisioning log never appear here.
type AgentView struct {
	ID                      string       `json:"id"`
	OwnerID                 string       `json:"ownerId"`
	Name                    string       `json:"name"`
	Description             string       `json:"description"`
	Status                  store.Status `json:"status"`
	LLMProvider             string       `json:"llmProvider"`
	LLMModel                string       `json:"llmModel"`
	Subdomain               string       `json:"subdomain"`
	DeployRegion            string       `json:"deployRegion"`
	InstanceID              *string      `json:"instanceId"`
	MainIP                  *string      `json:"mainIp"`
	GatewayURL              *string      `json:"gatewayUrl"`
	LastError               *string      `json:"lastError"`
	ProvisioningStartedAt   *time.Time   `json:"provisioningStartedAt"`
	ProvisioningCompletedAt *time.Time   `json:"provisioningCompletedAt"`
	CreatedAt               time.Time    `json:"createdAt"`
	UpdatedAt               time.Time    `json:"updatedAt"`
}

// StatusView is what polling clients read while an agent provisions.
type StatusView struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Status       store.Status `json:"status"`
	MainIP       *string      `json:"mainIp"`
	Subdomain    string       `json:"subdomain"`
	GatewayURL   *string      `json:"gatewayUrl"`
	DeployRegion string       `json:"deployRegion"`
	LLMProvider  string       `json:"llmProvider"`
	LLMModel     string       `json:"llmModel"`
	Progress     int          `json:"progress"`
	// EstimatedTimeRemaining is in seconds, null unless provisioning.
	EstimatedTimeRemaining  *int             `json:"estimatedTimeRemaining"`
	Logs                    []store.LogEntry `json:"logs"`
	LastError               *string          `json:"lastError"`
	CreatedAt               time.Time        `json:"createdAt"`
	ProvisioningStartedAt   *time.Time       `json:"provisioningStartedAt"`
	ProvisioningCompletedAt *time.Time       `json:"provisioningCompletedAt"`
}

// GatewayURL is https://<subdomain>.<domain> once the agent has an IP,
// https://<ip> when it has no subdomain, and nil before it has an IP.
func GatewayURL(subdomain, ip, domain string) *string {
	if ip == "" {
		return nil
	}
	u := "https://" + ip
	if subdomain != "" {
		u = "https://" + subdomain + "." + domain
	}
	return &u
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newAgentView(a *store.Agent, domain string) AgentView {
	return AgentView{
		ID:                      a.ID,
		OwnerID:                 a.OwnerID,
		Name:                    a.Name,
		Description:             a.Description,
		Status:                  a.Status,
		LLMProvider:             a.LLMProvider,
		LLMModel:                a.LLMModel,
		Subdomain:               a.Subdomain,
		DeployRegion:            a.DeployRegion,
		InstanceID:              optional(a.InstanceID),
		MainIP:                  optional(a.InstanceIP),
		GatewayURL:              GatewayURL(a.Subdomain, a.InstanceIP, domain),
		LastError:               optional(a.LastError),
		ProvisioningStartedAt:   a.ProvisioningStartedAt,
		ProvisioningCompletedAt: a.ProvisioningCompletedAt,
		CreatedAt:               a.CreatedAt,
		UpdatedAt:               a.UpdatedAt,
	}
}

func newStatusView(a *store.Agent, domain string, now time.Time) StatusView {
	p := Project(a.Status, a.ProvisioningStartedAt, now)
	logs := a.ProvisioningLogs
	if logs == nil {
		logs = []store.LogEntry{}
	}
	return StatusView{
		ID:                      a.ID,
		Name:                    a.Name,
		Status:                  a.Status,
		MainIP:                  optional(a.InstanceIP),
		Subdomain:               a.Subdomain,
		GatewayURL:              GatewayURL(a.Subdomain, a.InstanceIP, domain),
		DeployRegion:            a.DeployRegion,
		LLMProvider:             a.LLMProvider,
		LLMModel:                a.LLMModel,
		Progress:                p.Percent,
		EstimatedTimeRemaining:  p.etaSeconds(),
		Logs:                    logs,
		LastError:               optional(a.LastError),
		CreatedAt:               a.CreatedAt,
		ProvisioningStartedAt:   a.ProvisioningStartedAt,
		ProvisioningCompletedAt: a.ProvisioningCompletedAt,
	}
}
