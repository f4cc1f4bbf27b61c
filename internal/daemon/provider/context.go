package provider

import (
	"errors"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/query"
)

// ErrNoProvider is returned by CreateContext when the registry is
// empty.
var ErrNoProvider = errors.New("No provider available")

// Context binds a session to the provider serving its current model.
type Context struct {
	Provider Provider
	Model    string

	cfg *db.SessionConfig
}

// CreateContext selects the provider for a session. An explicit
// config.provider wins when registered; otherwise the first provider
// owning the configured model; otherwise the first registered provider.
func CreateContext(session *db.Session) (*Context, error) {
	model := "default"
	var cfg *db.SessionConfig
	if session != nil {
		cfg = &session.Config
		if cfg.Model != "" {
			model = cfg.Model
		}
	}

	var chosen Provider
	if cfg != nil && cfg.Provider != "" {
		if p, ok := Get(cfg.Provider); ok {
			chosen = p
		}
	}
	if chosen == nil {
		chosen = DetectProvider(model)
	}
	if chosen == nil {
		all := List()
		if len(all) == 0 {
			return nil, ErrNoProvider
		}
		chosen = all[0]
	}
	return &Context{Provider: chosen, Model: model, cfg: cfg}, nil
}

// SDKModelID returns the model id the transport should see.
func (c *Context) SDKModelID() string {
	return SDKModelID(c.Provider, c.Model)
}

// BuildSDKOptions layers the provider's model translation and env vars
// onto base options. When neither the base nor the provider contribute
// env vars, env stays absent.
func (c *Context) BuildSDKOptions(base *query.Options) *query.Options {
	opts := base.Clone()
	opts.Model = c.SDKModelID()

	providerEnv := c.Provider.BuildSDKConfig(c.Model, c.cfg)
	if len(providerEnv) == 0 {
		return opts
	}
	if opts.Env == nil {
		opts.Env = make(map[string]string, len(providerEnv))
	}
	for k, v := range providerEnv {
		opts.Env[k] = v
	}
	return opts
}

// RequiresQueryRestart reports whether switching the session to a new
// model needs a fresh query: true when the detected provider for the
// new id differs from the current one, or the id is undetectable.
func (c *Context) RequiresQueryRestart(newModelID string) bool {
	detected := DetectProvider(newModelID)
	if detected == nil {
		return true
	}
	return detected.ID() != c.Provider.ID()
}
