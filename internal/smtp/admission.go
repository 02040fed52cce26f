package smtp

import (
	"fmt"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
)

// Admission decides whether a recipient address belongs to a domain this
// relay accepts mail for. The domain set is fixed at construction.
type Admission struct {
	domains map[string]struct{}
}

// NewAdmission builds an Admission over domains. Matching is case-insensitive.
func NewAdmission(domains []string) *Admission {
	a := &Admission{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			a.domains[d] = struct{}{}
		}
	}
	return a
}

// Admit returns nil if addr's domain is allow-listed, otherwise a permanent
// 550 relay-denied reply. An address without a domain is always denied.
func (a *Admission) Admit(addr string) error {
	domain := recipientDomain(addr)
	if domain != "" {
		if _, ok := a.domains[domain]; ok {
			return nil
		}
	}
	return &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      fmt.Sprintf("Relay not permitted for domain %s", displayDomain(domain, addr)),
	}
}

// recipientDomain returns the lower-cased text after the last "@", or ""
// when there is none.
func recipientDomain(addr string) string {
	addr = strings.Trim(strings.TrimSpace(addr), "<>")
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}

func displayDomain(domain, addr string) string {
	if domain == "" {
		return addr
	}
	return domain
}
