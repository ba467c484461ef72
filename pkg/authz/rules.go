package authz

import (
	"slices"
	"strings"

	authorizationv1 "k8s.io/api/authorization/v1"
	rbacv1 "k8s.io/api/rbac/v1"
)

// Verdict is the answer to an authorization question.
type Verdict int

const (
	// Unknown means the coarse rules could not prove a denial.
	Unknown Verdict = iota
	Allowed
	Denied
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Attributes describe one request. Namespace is the review scope; empty means
// cluster scope. Resource may name a subresource as "pods/log".
type Attributes struct {
	Namespace string
	Group     string
	Resource  string
	Name      string
	Verb      string
}

// Evaluate derives a verdict from a rules review: any matching rule allows;
// otherwise a complete review denies and an incomplete one cannot tell.
func Evaluate(status *authorizationv1.SubjectRulesReviewStatus, attrs Attributes) Verdict {
	for i := range status.ResourceRules {
		if RuleMatches(&status.ResourceRules[i], attrs) {
			return Allowed
		}
	}
	if status.Incomplete {
		return Unknown
	}
	return Denied
}

// RuleMatches reports whether rule covers attrs.
func RuleMatches(rule *authorizationv1.ResourceRule, attrs Attributes) bool {
	if !matches(rule.Verbs, attrs.Verb) {
		return false
	}
	if len(rule.APIGroups) > 0 && !matches(rule.APIGroups, attrs.Group) {
		return false
	}
	if len(rule.Resources) > 0 && !resourceMatches(rule.Resources, attrs.Resource) {
		return false
	}
	if len(rule.ResourceNames) > 0 && !matches(rule.ResourceNames, attrs.Name) {
		return false
	}
	return true
}

// resourceMatches additionally accepts "/sub" as any resource's subresource.
func resourceMatches(resources []string, resource string) bool {
	if matches(resources, resource) {
		return true
	}
	if i := strings.IndexByte(resource, '/'); i >= 0 {
		return slices.Contains(resources, resource[i:])
	}
	return false
}

// matches supports the "*" wildcard.
func matches(values []string, requested string) bool {
	for _, v := range values {
		if v == rbacv1.ResourceAll || v == requested {
			return true
		}
	}
	return false
}
