// Package cli implements the one-shot gatekeeper commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"github.com/odyssey-erp/gatekeeper/internal/access"
	"github.com/odyssey-erp/gatekeeper/internal/app"
	"github.com/odyssey-erp/gatekeeper/jobs"
)

// Exit codes. ExitDenied lets scripts branch on a negative decision without
// parsing output.
const (
	ExitOK     = 0
	ExitError  = 1
	ExitUsage  = 2
	ExitDenied = 10
)

// ErrUsage marks command-line mistakes.
var ErrUsage = errors.New("usage")

// Options holds the parsed command line.
type Options struct {
	Command      string
	Args         []string
	JSONOutput   bool
	APIBaseURL   string
	APIToken     string
	RedisAddr    string
	Amount       int64
	BusinessName string
	Scopes       []string
}

// Parse reads flags and the command words from args.
func Parse(args []string, stderr io.Writer) (Options, error) {
	var opts Options
	fs := pflag.NewFlagSet("gatekeeper", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON instead of text")
	fs.StringVar(&opts.APIBaseURL, "api-url", "", "business API base url (overrides API_BASE_URL)")
	fs.StringVar(&opts.APIToken, "token", "", "bearer token for the business API (overrides API_TOKEN)")
	fs.StringVar(&opts.RedisAddr, "redis", "", "redis address (overrides REDIS_ADDR)")
	fs.Int64Var(&opts.Amount, "amount", 1, "units to check with quota")
	fs.StringVar(&opts.BusinessName, "name", "", "business display name for scope set")
	fs.StringSliceVar(&opts.Scopes, "scope", nil, "scope ids for warmup (repeatable or comma separated)")
	fs.Usage = func() {
		_, _ = fmt.Fprintln(stderr, "usage: gatekeeper [flags] serve|state|can CODE|feature CODE|quota CODE|scope show|set ID|clear|warmup")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		opts.Command = "serve"
		return opts, nil
	}
	opts.Command = strings.ToLower(rest[0])
	opts.Args = rest[1:]
	return opts, nil
}

// Apply copies flag overrides onto cfg.
func (o Options) Apply(cfg *app.Config) {
	if o.APIBaseURL != "" {
		cfg.APIBaseURL = o.APIBaseURL
	}
	if o.APIToken != "" {
		cfg.APIToken = o.APIToken
	}
	if o.RedisAddr != "" {
		cfg.RedisAddr = o.RedisAddr
	}
}

// Enqueuer submits warmup tasks.
type Enqueuer interface {
	EnqueueEntitlementsWarmup(ctx context.Context, payload jobs.EntitlementsWarmupPayload) (*asynq.TaskInfo, error)
}

// Runner executes one command against a loaded engine.
type Runner struct {
	Engine *access.Engine
	Warmup Enqueuer
	Stdout io.Writer
	Stderr io.Writer
}

// Run dispatches opts.Command and returns the process exit code.
func (r Runner) Run(ctx context.Context, opts Options) int {
	if r.Stdout == nil {
		r.Stdout = os.Stdout
	}
	if r.Stderr == nil {
		r.Stderr = os.Stderr
	}
	code, err := r.dispatch(ctx, opts)
	if err != nil {
		_, _ = fmt.Fprintf(r.Stderr, "gatekeeper %s: %v\n", opts.Command, err)
		if errors.Is(err, ErrUsage) {
			return ExitUsage
		}
		return ExitError
	}
	return code
}

func (r Runner) dispatch(ctx context.Context, opts Options) (int, error) {
	switch opts.Command {
	case "warmup":
		return r.warmup(ctx, opts)
	case "state", "can", "feature", "quota", "scope":
	default:
		return ExitError, fmt.Errorf("%w: unknown command %q", ErrUsage, opts.Command)
	}

	if r.Engine == nil {
		return ExitError, errors.New("engine not configured")
	}
	r.Engine.RefreshAuthContext(ctx)

	switch opts.Command {
	case "state":
		return ExitOK, r.printState(opts)
	case "can":
		code, err := oneArg(opts)
		if err != nil {
			return ExitError, err
		}
		return r.decision(opts, code, r.Engine.Can(code))
	case "feature":
		code, err := oneArg(opts)
		if err != nil {
			return ExitError, err
		}
		return r.decision(opts, code, r.Engine.HasFeature(code))
	case "quota":
		code, err := oneArg(opts)
		if err != nil {
			return ExitError, err
		}
		return r.quota(opts, code)
	default:
		return r.scope(ctx, opts)
	}
}

func oneArg(opts Options) (string, error) {
	if len(opts.Args) != 1 || strings.TrimSpace(opts.Args[0]) == "" {
		return "", fmt.Errorf("%w: expected exactly one code", ErrUsage)
	}
	return opts.Args[0], nil
}

type decisionOutput struct {
	Code    string `json:"code"`
	Allowed bool   `json:"allowed"`
	Scope   string `json:"scope,omitempty"`
}

func (r Runner) decision(opts Options, code string, allowed bool) (int, error) {
	out := decisionOutput{Code: code, Allowed: allowed, Scope: r.Engine.EffectiveBusinessID()}
	if opts.JSONOutput {
		if err := json.NewEncoder(r.Stdout).Encode(out); err != nil {
			return ExitError, err
		}
	} else {
		verdict := "denied"
		if allowed {
			verdict = "allowed"
		}
		_, _ = fmt.Fprintf(r.Stdout, "%s: %s\n", code, verdict)
	}
	if !allowed {
		return ExitDenied, nil
	}
	return ExitOK, nil
}

type quotaOutput struct {
	Code      string            `json:"code"`
	Amount    int64             `json:"amount"`
	Limit     *int64            `json:"limit"`
	Used      int64             `json:"used"`
	Remaining int64             `json:"remaining"`
	Check     access.QuotaCheck `json:"check"`
}

func (r Runner) quota(opts Options, code string) (int, error) {
	q := r.Engine.GetQuota(code)
	check := r.Engine.CanUseQuota(code, opts.Amount)
	out := quotaOutput{Code: code, Amount: opts.Amount, Limit: q.Limit, Used: q.Used, Remaining: q.Remaining, Check: check}
	if opts.JSONOutput {
		if err := json.NewEncoder(r.Stdout).Encode(out); err != nil {
			return ExitError, err
		}
	} else {
		limit := "unlimited"
		if q.Limit != nil {
			limit = fmt.Sprintf("%d", *q.Limit)
		}
		_, _ = fmt.Fprintf(r.Stdout, "%s: limit=%s used=%d remaining=%d\n", code, limit, q.Used, q.Remaining)
		if check.OK {
			_, _ = fmt.Fprintf(r.Stdout, "can use %d: yes\n", opts.Amount)
		} else {
			_, _ = fmt.Fprintf(r.Stdout, "can use %d: no (%s)\n", opts.Amount, check.Reason)
		}
	}
	if !check.OK {
		return ExitDenied, nil
	}
	return ExitOK, nil
}

func (r Runner) scope(ctx context.Context, opts Options) (int, error) {
	if len(opts.Args) == 0 {
		return ExitError, fmt.Errorf("%w: scope needs show, set or clear", ErrUsage)
	}
	switch strings.ToLower(opts.Args[0]) {
	case "show":
	case "set":
		if len(opts.Args) != 2 || strings.TrimSpace(opts.Args[1]) == "" {
			return ExitError, fmt.Errorf("%w: scope set needs a business id", ErrUsage)
		}
		if err := r.requireElevated(); err != nil {
			return ExitError, err
		}
		r.Engine.SetScope(ctx, opts.Args[1], opts.BusinessName)
	case "clear":
		if err := r.requireElevated(); err != nil {
			return ExitError, err
		}
		r.Engine.ClearScope(ctx)
	default:
		return ExitError, fmt.Errorf("%w: unknown scope action %q", ErrUsage, opts.Args[0])
	}
	return ExitOK, r.printState(opts)
}

func (r Runner) requireElevated() error {
	session := r.Engine.Session()
	if !session.IsAuthenticated || !r.Engine.Scopes().IsElevated(session.Role) {
		return errors.New("only the elevated role may change the business scope")
	}
	return nil
}

func (r Runner) printState(opts Options) error {
	st := r.Engine.State()
	if opts.JSONOutput {
		return json.NewEncoder(r.Stdout).Encode(st)
	}
	_, _ = fmt.Fprintf(r.Stdout, "authenticated: %t\n", st.IsAuthenticated)
	if st.Role != "" {
		_, _ = fmt.Fprintf(r.Stdout, "role: %s\n", st.Role)
	}
	_, _ = fmt.Fprintf(r.Stdout, "effective scope: %s\n", orNone(st.EffectiveBusinessID))
	if st.SelectedBusinessID != "" {
		_, _ = fmt.Fprintf(r.Stdout, "selected: %s (%s)\n", st.SelectedBusinessID, orNone(st.SelectedBusinessName))
	}
	if st.EntError != "" {
		_, _ = fmt.Fprintf(r.Stdout, "entitlements error: %s\n", st.EntError)
	} else if st.Entitlements != nil {
		_, _ = fmt.Fprintf(r.Stdout, "plan permissions: %d\n", st.Entitlements.Permissions.Len())
	}
	return nil
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}

func (r Runner) warmup(ctx context.Context, opts Options) (int, error) {
	if r.Warmup == nil {
		return ExitError, errors.New("warmup needs REDIS_ADDR for the job queue")
	}
	info, err := r.Warmup.EnqueueEntitlementsWarmup(ctx, jobs.EntitlementsWarmupPayload{ScopeIDs: opts.Scopes})
	if err != nil {
		return ExitError, err
	}
	if opts.JSONOutput {
		return ExitOK, json.NewEncoder(r.Stdout).Encode(map[string]string{"id": info.ID, "queue": info.Queue})
	}
	_, _ = fmt.Fprintf(r.Stdout, "enqueued %s on %s\n", info.ID, info.Queue)
	return ExitOK, nil
}
