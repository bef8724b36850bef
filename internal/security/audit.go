package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/bgtunnel/internal/appconfig"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

const minRSABits = 2048

// RunLocalAudit inspects bgtunnel's own files, the OpenSSH directory and
// every identity file in identities.
func RunLocalAudit(identities []string) (AuditReport, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return AuditReport{}, err
	}

	var findings []Finding
	switch cfg.StrictHostKeyChecking {
	case "no", "off":
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "config.yaml",
			Message:        "strict host key checking is disabled by default",
			Recommendation: "set strict_host_key_checking to yes or accept-new",
		})
	}
	if !cfg.RedactErrors {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "config.yaml",
			Message:        "error messages include home directory paths",
			Recommendation: "set redact_errors to true",
		})
	}

	home, err := os.UserHomeDir()
	if err == nil {
		checkPathPerm(&findings, filepath.Join(home, ".ssh"), 0o700, false)
		checkPathPerm(&findings, filepath.Join(home, ".ssh", "config"), 0o600, true)
	}

	cfgDir, err := appconfig.ConfigDir()
	if err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		for _, name := range []string{"config.yaml", "runtime.json", "profiles.yaml", "events.jsonl"} {
			checkPathPerm(&findings, filepath.Join(cfgDir, name), 0o600, true)
		}
	}

	seen := map[string]struct{}{}
	for _, id := range identities {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		findings = append(findings, AuditIdentityFile(id)...)
	}

	sortFindings(findings)
	return AuditReport{Findings: findings}, nil
}

// AuditIdentityFile checks that path is a private key ssh will accept in
// batch mode: present, not readable by others, parseable, and not a
// deprecated or weak key type.
func AuditIdentityFile(path string) []Finding {
	var findings []Finding
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Finding{{
				Severity:       SeverityHigh,
				Target:         path,
				Message:        "identity file does not exist",
				Recommendation: "check the --identity-file path",
			}}
		}
		return []Finding{{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect identity file: %v", err),
			Recommendation: "verify path and permissions manually",
		}}
	}
	if st.IsDir() {
		return []Finding{{
			Severity:       SeverityHigh,
			Target:         path,
			Message:        "identity file is a directory",
			Recommendation: "point --identity-file at a private key file",
		}}
	}
	if mode := st.Mode().Perm(); mode&0o077 != 0 {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         path,
			Message:        fmt.Sprintf("private key is accessible by others (%#o); ssh will refuse it", mode),
			Recommendation: "chmod 600 the key file",
		})
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return append(findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("unable to read identity file: %v", err),
			Recommendation: "make the key readable by the user running bgtunnel",
		})
	}

	var pub ssh.PublicKey
	signer, err := ssh.ParsePrivateKey(raw)
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
		pub = signer.PublicKey()
	case errors.As(err, &missing):
		pub = missing.PublicKey
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			findings = append(findings, Finding{
				Severity:       SeverityMedium,
				Target:         path,
				Message:        "private key is passphrase protected and no ssh-agent is running",
				Recommendation: "load the key into ssh-agent; tunnels run ssh with BatchMode=yes and cannot prompt",
			})
		}
	default:
		if _, _, _, _, perr := ssh.ParseAuthorizedKey(raw); perr == nil {
			return append(findings, Finding{
				Severity:       SeverityHigh,
				Target:         path,
				Message:        "identity file is a public key",
				Recommendation: "pass the private key, not the .pub file",
			})
		}
		return append(findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("identity file is not a recognised private key: %v", err),
			Recommendation: "use an OpenSSH or PEM private key",
		})
	}

	if pub != nil {
		findings = append(findings, keyStrength(path, pub)...)
	}
	return findings
}

func keyStrength(path string, pub ssh.PublicKey) []Finding {
	switch pub.Type() {
	case ssh.KeyAlgoDSA:
		return []Finding{{
			Severity:       SeverityHigh,
			Target:         path,
			Message:        "DSA keys are disabled in current OpenSSH releases",
			Recommendation: "generate an ed25519 key",
		}}
	case ssh.KeyAlgoRSA:
		cpk, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			return nil
		}
		rsaKey, ok := cpk.CryptoPublicKey().(*rsa.PublicKey)
		if ok && rsaKey.N.BitLen() < minRSABits {
			return []Finding{{
				Severity:       SeverityMedium,
				Target:         path,
				Message:        fmt.Sprintf("RSA key is only %d bits", rsaKey.N.BitLen()),
				Recommendation: fmt.Sprintf("use at least %d bits or an ed25519 key", minRSABits),
			}}
		}
	}
	return nil
}

func sortFindings(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
