package provisioner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultRegion = "bom"
	DefaultPlan   = "vc2-1c-2gb"

	varsFile = "terraform.tfvars"
)

// Vars is the parameter bundle rendered into terraform.tfvars. Several
// fields are plaintext secrets; the file is written owner-only.
type Vars struct {
	CloudAPIKey   string
	OwnerID       string
	AgentID       string
	LLMProvider   string
	LLMModel      string
	BotToken      string
	APIKey        string
	GatewayToken  string
	Subdomain     string
	Domain        string
	AdminEmail    string
	ControlServer string
	Region        string
	Plan          string
}

func (v Vars) withDefaults() Vars {
	if v.Region == "" {
		v.Region = DefaultRegion
	}
	if v.Plan == "" {
		v.Plan = DefaultPlan
	}
	return v
}

// pairs returns variable names in the order they appear in variables.tf.
func (v Vars) pairs() [][2]string {
	return [][2]string{
		{"vultr_api_key", v.CloudAPIKey},
		{"user_id", v.OwnerID},
		{"agent_id", v.AgentID},
		{"llm_provider", v.LLMProvider},
		{"llm_model", v.LLMModel},
		{"telegram_bot_token", v.BotToken},
		{"api_key", v.APIKey},
		{"gateway_token", v.GatewayToken},
		{"subdomain", v.Subdomain},
		{"domain", v.Domain},
		{"admin_email", v.AdminEmail},
		{"control_server_ip", v.ControlServer},
		{"vultr_region", v.Region},
		{"vultr_plan", v.Plan},
	}
}

// Render formats v as HCL assignments.
func (v Vars) Render() string {
	v = v.withDefaults()
	var b strings.Builder
	b.WriteString("# Generated by clawbrick. Contains secrets.\n")
	fmt.Fprintf(&b, "# Agent ID: %s\n\n", sanitizeComment(v.AgentID))
	for _, p := range v.pairs() {
		fmt.Fprintf(&b, "%-19s = \"%s\"\n", p[0], quoteHCL(p[1]))
	}
	return b.String()
}

// WriteVars writes terraform.tfvars into dir with mode 0600.
func WriteVars(dir string, v Vars) error {
	path := filepath.Join(dir, varsFile)
	if err := os.WriteFile(path, []byte(v.Render()), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", varsFile, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", varsFile, err)
	}
	return nil
}

var hclEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"${", "$${",
	"%{", "%%{",
)

// quoteHCL escapes s for use inside an HCL quoted string, including the
// interpolation and directive openers.
func quoteHCL(s string) string {
	return hclEscaper.Replace(s)
}

func sanitizeComment(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
