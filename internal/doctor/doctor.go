// Package doctor runs local diagnostics: can tunnels be started here, and
// is the saved state consistent.
package doctor

import (
	"fmt"
	"net"
	"os"
	"sort"

	"github.com/treykane/bgtunnel/internal/appconfig"
	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/profile"
	"github.com/treykane/bgtunnel/internal/security"
	"github.com/treykane/bgtunnel/internal/sshclient"
	"github.com/treykane/bgtunnel/internal/tunnel"
	"github.com/treykane/bgtunnel/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether any issue would prevent tunnels from working.
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Run executes local diagnostics for bgtunnel operations.
func Run() (Report, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return Report{}, err
	}
	issues := []Issue{}

	if err := sshclient.EnsureBinary(cfg.SSHPath); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "ssh-binary",
			Target:         cfg.SSHPath,
			Message:        err.Error(),
			Recommendation: "install the OpenSSH client or set ssh_path in config.yaml",
		})
	}
	if os.Geteuid() != 0 {
		if err := sshclient.EnsureBinary(cfg.SudoPath); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "sudo-binary",
				Target:         cfg.SudoPath,
				Message:        err.Error(),
				Recommendation: "local ports below 1024 need sudo_path, or use --no-sudo with a port above 1023",
			})
		}
	}

	profiles, err := profile.LoadAll()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "profiles",
			Target:         "profiles.yaml",
			Message:        err.Error(),
			Recommendation: "fix or remove profiles.yaml",
		})
	}
	issues = append(issues, duplicateBindIssues(profiles)...)
	issues = append(issues, privilegedPortIssues(profiles)...)

	if path, err := appconfig.RuntimeFilePath(); err == nil {
		if records, err := tunnel.LoadRuntime(path); err == nil {
			issues = append(issues, runtimeIssues(records)...)
		} else {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "runtime",
				Target:         path,
				Message:        err.Error(),
				Recommendation: "delete the runtime file; it is rewritten by the next open",
			})
		}
	}

	var identities []string
	for _, p := range profiles {
		if p.Request.IdentityFile == "" {
			continue
		}
		if id, err := util.ExpandPath(p.Request.IdentityFile); err == nil {
			identities = append(identities, id)
		}
	}
	if audit, err := security.RunLocalAudit(identities); err == nil {
		for _, f := range audit.Findings {
			issues = append(issues, Issue{
				Severity:       Severity(f.Severity),
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

// duplicateBindIssues flags profiles that pin the same local endpoint; only
// one of them can be open at a time.
func duplicateBindIssues(profiles []profile.Profile) []Issue {
	seen := map[string][]string{}
	for _, p := range profiles {
		if p.Request.BindPort == 0 {
			continue
		}
		key := fmt.Sprintf("%s:%d", util.NormalizeAddr(p.Request.BindAddress, util.DefaultBindAddress), p.Request.BindPort)
		seen[key] = append(seen[key], p.Name)
	}
	var issues []Issue
	for bind, names := range seen {
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-bind",
			Target:         bind,
			Message:        fmt.Sprintf("local bind is used by %d profiles: %v", len(names), names),
			Recommendation: "use unique local ports per profile, or an automatic port",
		})
	}
	return issues
}

func privilegedPortIssues(profiles []profile.Profile) []Issue {
	if os.Geteuid() == 0 {
		return nil
	}
	var issues []Issue
	for _, p := range profiles {
		if !p.Request.DontSudo || !util.IsPrivilegedPort(p.Request.BindPort) {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "privileged-port",
			Target:         p.Name,
			Message:        fmt.Sprintf("profile binds port %d with sudo disabled", p.Request.BindPort),
			Recommendation: "pick a port above 1023 or allow sudo",
		})
	}
	return issues
}

func runtimeIssues(records []model.TunnelRuntime) []Issue {
	var issues []Issue
	for _, rt := range records {
		switch rt.State {
		case model.TunnelActive:
			conn, err := net.DialTimeout("tcp", rt.Local, util.TunnelProbeTimeout)
			if err != nil {
				issues = append(issues, Issue{
					Severity:       SeverityMedium,
					Check:          "runtime-unreachable",
					Target:         rt.ID,
					Message:        fmt.Sprintf("tunnel process %d is running but %s does not accept connections", rt.PID, rt.Local),
					Recommendation: "close and reopen the tunnel",
				})
				continue
			}
			_ = conn.Close()
		case model.TunnelValidating:
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "runtime-stale",
				Target:         rt.ID,
				Message:        "runtime shows a tunnel that never finished validating",
				Recommendation: "reopen the tunnel to refresh runtime state",
			})
		}
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
