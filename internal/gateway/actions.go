package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/voxdesk/internal/audit"
	"github.com/basket/voxdesk/internal/otel"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/queue"
)

// ActionCall is one invocation of a registered action.
type ActionCall struct {
	Name      string
	Principal *persistence.Profile
	Params    json.RawMessage
	W         http.ResponseWriter
	R         *http.Request
}

// ActionFunc runs an action. A nil result with a nil error means the
// handler wrote the response itself.
type ActionFunc func(ctx context.Context, call *ActionCall) (any, error)

// Action is a named operation behind the proxy router. Name is
// "<function>.<action>" and doubles as the policy key.
type Action struct {
	Name string
	// Schema is an optional JSON schema for the action parameters.
	Schema string
	// TokenAuth actions carry their own signed token instead of a bearer and
	// skip the role check.
	TokenAuth bool
	Handle    ActionFunc
}

type registeredAction struct {
	Action
	schema *jsonschema.Schema
}

type Registry struct {
	actions map[string]*registeredAction
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*registeredAction)}
}

// Register compiles the action's schema and adds it. Names are unique.
func (r *Registry) Register(a Action) error {
	if a.Name == "" || a.Handle == nil {
		return errors.New("action needs a name and a handler")
	}
	if _, dup := r.actions[a.Name]; dup {
		return fmt.Errorf("action %q registered twice", a.Name)
	}
	ra := &registeredAction{Action: a}
	if strings.TrimSpace(a.Schema) != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(a.Schema))
		if err != nil {
			return fmt.Errorf("action %s: unmarshal schema: %w", a.Name, err)
		}
		c := jsonschema.NewCompiler()
		url := a.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("action %s: add schema: %w", a.Name, err)
		}
		if ra.schema, err = c.Compile(url); err != nil {
			return fmt.Errorf("action %s: compile schema: %w", a.Name, err)
		}
	}
	r.actions[a.Name] = ra
	return nil
}

func (r *Registry) Lookup(name string) (*registeredAction, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Names lists registered actions, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (a *registeredAction) validate(params json.RawMessage) error {
	if a.schema == nil {
		return nil
	}
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	if err := a.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// bind decodes validated parameters into T.
func bind[T any](call *ActionCall) (T, error) {
	var in T
	if len(bytes.TrimSpace(call.Params)) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(call.Params, &in); err != nil {
		return in, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return in, nil
}

// serveAction authorizes the caller for the action before anything else
// runs, then validates the parameters and invokes the handler.
func (s *Server) serveAction(w http.ResponseWriter, r *http.Request, name string, params json.RawMessage) {
	act, ok := s.actions.Lookup(name)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", errUnknownAction, name))
		return
	}
	ctx, span := otel.StartSpan(r.Context(), s.tracer, "action "+name, otel.AttrAction.String(name))
	defer span.End()

	p := PrincipalFromContext(ctx)
	if !act.TokenAuth {
		if p == nil {
			writeError(w, queue.ErrUnauthenticated)
			return
		}
		if !s.authorize(ctx, name, p) {
			span.SetStatus(codes.Error, "forbidden")
			writeError(w, queue.ErrForbidden)
			return
		}
	}
	if err := act.validate(params); err != nil {
		writeError(w, err)
		return
	}

	out, err := act.Handle(ctx, &ActionCall{Name: name, Principal: p, Params: params, W: w, R: r.WithContext(ctx)})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if statusFor(err) >= http.StatusInternalServerError {
			s.logger.ErrorContext(ctx, "action failed", "action", name, "error", err)
		}
		writeError(w, err)
		return
	}
	if out != nil {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) authorize(ctx context.Context, action string, p *persistence.Profile) bool {
	version := s.policy.PolicyVersion()
	if s.policy.AllowAction(action, p.Roles) {
		audit.Log(ctx, audit.Event{Decision: audit.Allow, Action: action, Reason: "role_allowed", PolicyVersion: version, Subject: p.ID})
		return true
	}
	audit.Log(ctx, audit.Event{Decision: audit.Deny, Action: action, Reason: "role_not_allowed", PolicyVersion: version, Subject: p.ID})
	if s.metrics != nil {
		s.metrics.AuthzDenied.Add(ctx, 1, metric.WithAttributes(otel.AttrAction.String(action)))
	}
	s.logger.WarnContext(ctx, "action denied", "action", action, "roles", p.Roles)
	return false
}

// readParams merges query parameters and a JSON object body into one
// parameter document. Body keys win. The action name may come from either.
func readParams(r *http.Request) (string, json.RawMessage, error) {
	params := map[string]any{}
	for key, vals := range r.URL.Query() {
		if key == "access_token" || len(vals) == 0 {
			continue
		}
		params[key] = vals[0]
	}
	if r.Body != nil && r.Method != http.MethodGet {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		var body map[string]any
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				return "", nil, err
			}
			return "", nil, fmt.Errorf("%w: body must be a JSON object", errInvalidParams)
		}
		for k, v := range body {
			params[k] = v
		}
	}
	action, _ := params["action"].(string)
	delete(params, "action")
	raw, err := json.Marshal(params)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return action, raw, nil
}
