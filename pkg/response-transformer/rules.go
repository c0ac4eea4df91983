package responsetransformer

import (
	"net/http"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// Rules are checked in order; the first rule matching the request of a response is applied.
type Rules []Rule

type Rule struct {
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Method string            `yaml:"method"`
	Query  map[string]string `yaml:"query"`
	// Status codes the rule applies to, 200 if empty.
	Status []int `yaml:"status"`
	// Cache-Control value used when the origin does not send one.
	Default string `yaml:"default"`
	// Cache-Control value replacing whatever the origin sends.
	Override string            `yaml:"override"`
	Headers  map[string]string `yaml:"headers"`
	Remove   []string          `yaml:"remove"`
}

// Modifier returns a function applying the rules that fits httputil.ReverseProxy.ModifyResponse.
func (r Rules) Modifier(logger zerolog.Logger) func(*http.Response) error {
	return func(res *http.Response) error {
		return r.Apply(res, logger)
	}
}

// Apply modifies the response headers according to the first matching rule.
func (r Rules) Apply(res *http.Response, log zerolog.Logger) error {
	if res.Request == nil {
		return nil
	}
	if rule := r.find(res, log); rule != nil {
		applyRuleToResponse(*rule, res, log)
	}
	return nil
}

func applyRuleToResponse(rule Rule, res *http.Response, log zerolog.Logger) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for _, name := range rule.Remove {
		log.Trace().Msgf("Removing header %s", name)
		res.Header.Del(name)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

func (r Rules) find(res *http.Response, log zerolog.Logger) *Rule {
	req := res.Request
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
	for i := range r {
		if r[i].matches(res) {
			return &r[i]
		}
	}
	return nil
}

func (rule Rule) matches(res *http.Response) bool {
	req := res.Request
	if len(rule.Status) == 0 && res.StatusCode != http.StatusOK {
		return false
	}
	if len(rule.Status) > 0 && !slices.Contains(rule.Status, res.StatusCode) {
		return false
	}
	method := rule.Method
	if method == "" {
		method = http.MethodGet
	}
	if !strings.EqualFold(method, req.Method) {
		return false
	}
	if rule.Path != "" && rule.Path != req.URL.Path {
		return false
	}
	if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
		return false
	}
	if len(rule.Query) > 0 {
		qry := req.URL.Query()
		for name, value := range rule.Query {
			if value == "" && !qry.Has(name) {
				return false
			} else if value != "" && qry.Get(name) != value {
				return false
			}
		}
	}
	return true
}
