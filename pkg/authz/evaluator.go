// Package authz answers "may the current identity do X" from cached
// self-rules reviews, escalating to access reviews when the rules cannot tell.
package authz

import (
	"context"
	"strings"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	authorizationv1client "k8s.io/client-go/kubernetes/typed/authorization/v1"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/xdavidwu/sparkles-sub000/internal/flight"
	"github.com/xdavidwu/sparkles-sub000/internal/metrics"
	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
)

// Evaluator caches one rules review per scope for the session. Reviews are
// never refreshed on their own; see Invalidate.
type Evaluator struct {
	client  authorizationv1client.AuthorizationV1Interface
	reviews flight.Memo[*authorizationv1.SubjectRulesReviewStatus]
}

// New returns an Evaluator issuing reviews through client.
func New(client authorizationv1client.AuthorizationV1Interface) *Evaluator {
	return &Evaluator{client: client}
}

// LoadReview fetches the rules review for scope at most once. Concurrent
// callers share one request, and a failed fetch stays failed until
// Invalidate.
func (e *Evaluator) LoadReview(ctx context.Context, scope string) (*authorizationv1.SubjectRulesReviewStatus, error) {
	return e.reviews.Do(ctx, scope, func(ctx context.Context) (*authorizationv1.SubjectRulesReviewStatus, error) {
		return e.fetchReview(ctx, scope)
	})
}

// Review returns the loaded review for scope, if any.
func (e *Evaluator) Review(scope string) (*authorizationv1.SubjectRulesReviewStatus, bool) {
	status, err, ok := e.reviews.Peek(scope)
	if !ok || err != nil {
		return nil, false
	}
	return status, true
}

// Invalidate drops the review for scope so the next LoadReview fetches again.
func (e *Evaluator) Invalidate(scope string) {
	e.reviews.Forget(scope)
}

// Check answers from the cached review of attrs.Namespace. It panics if
// LoadReview has not completed for that scope. A scope whose review failed to
// load answers Unknown.
func (e *Evaluator) Check(attrs Attributes) Verdict {
	status, err, ok := e.reviews.Peek(attrs.Namespace)
	if !ok {
		fault.Programming("authz check", "rules review for scope %q not loaded", attrs.Namespace)
	}
	if err != nil {
		status = nil
	}
	return coarse(status, attrs)
}

// coarse evaluates a loaded review; a nil status answers Unknown.
func coarse(status *authorizationv1.SubjectRulesReviewStatus, attrs Attributes) Verdict {
	v := Unknown
	if status != nil {
		v = Evaluate(status, attrs)
	}
	metrics.VerdictsTotal.WithLabelValues("coarse", v.String()).Inc()
	return v
}

// MayAllow reports whether Check does not deny attrs. False positives are
// possible; false negatives are not.
func (e *Evaluator) MayAllow(attrs Attributes) bool {
	return e.Check(attrs) != Denied
}

// FullCheck loads the review if needed and answers from it, asking the server
// for an authoritative access review when the rules cannot tell.
func (e *Evaluator) FullCheck(ctx context.Context, attrs Attributes) (Verdict, error) {
	status, err := e.LoadReview(ctx, attrs.Namespace)
	if err != nil {
		return Unknown, err
	}
	if v := coarse(status, attrs); v != Unknown {
		return v, nil
	}

	logger := crlog.FromContext(ctx).WithValues("verb", attrs.Verb, "group", attrs.Group, "resource", attrs.Resource, "namespace", attrs.Namespace)

	resource, subresource, _ := strings.Cut(attrs.Resource, "/")
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace:   attrs.Namespace,
				Verb:        attrs.Verb,
				Group:       attrs.Group,
				Version:     "*",
				Resource:    resource,
				Subresource: subresource,
				Name:        attrs.Name,
			},
		},
	}
	result, err := e.client.SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		metrics.AccessReviewsTotal.WithLabelValues("error").Inc()
		return Unknown, fault.Transport("access review", err)
	}
	if result.Status.EvaluationError != "" {
		logger.Info("access review reported an evaluation error", "evaluationError", result.Status.EvaluationError)
	}

	v := Unknown
	switch {
	case result.Status.Allowed:
		v = Allowed
	case result.Status.Denied:
		v = Denied
	}
	metrics.AccessReviewsTotal.WithLabelValues(v.String()).Inc()
	metrics.VerdictsTotal.WithLabelValues("full", v.String()).Inc()
	logger.V(1).Info("access review", "verdict", v)
	return v, nil
}

func (e *Evaluator) fetchReview(ctx context.Context, scope string) (*authorizationv1.SubjectRulesReviewStatus, error) {
	logger := crlog.FromContext(ctx).WithValues("scope", scope)

	review := &authorizationv1.SelfSubjectRulesReview{
		Spec: authorizationv1.SelfSubjectRulesReviewSpec{Namespace: scope},
	}
	result, err := e.client.SelfSubjectRulesReviews().Create(ctx, review, metav1.CreateOptions{})
	metrics.RulesReviewsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		logger.Error(err, "rules review failed")
		return nil, fault.Transport("rules review", err)
	}
	if result.Status.EvaluationError != "" {
		logger.V(1).Info("rules review is partial", "evaluationError", result.Status.EvaluationError)
	}
	logger.V(1).Info("rules review cached", "rules", len(result.Status.ResourceRules), "incomplete", result.Status.Incomplete)
	return &result.Status, nil
}
