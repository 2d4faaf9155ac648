package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/delivery"
	"github.com/cepro/meterlogger/natspub"
	"github.com/cepro/meterlogger/repository"
	"github.com/cepro/meterlogger/supabase"
	"github.com/cepro/meterlogger/volkszaehler"
)

var middlewareTypes = map[string]func(options map[string]any) (delivery.Middleware, error){
	"volkszaehler": func(options map[string]any) (delivery.Middleware, error) {
		c, err := volkszaehler.NewFromOptions(options)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	"supabase": func(options map[string]any) (delivery.Middleware, error) {
		c, err := supabase.NewFromOptions(options)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	"nats": func(options map[string]any) (delivery.Middleware, error) {
		p, err := natspub.NewFromOptions(options)
		if err != nil {
			return nil, err
		}
		return p, nil
	},
	"sqlite": func(options map[string]any) (delivery.Middleware, error) {
		r, err := repository.NewFromOptions(options)
		if err != nil {
			return nil, err
		}
		return r, nil
	},
}

// middlewares creates middleware clients and shares one client between all channels with identical settings, so
// that e.g. every channel archived to the same sqlite file uses the same database handle.
type middlewares struct {
	cache   map[string]delivery.Middleware
	created []delivery.Middleware
}

func newMiddlewares() *middlewares {
	return &middlewares{cache: make(map[string]delivery.Middleware)}
}

func (m *middlewares) get(path string, options map[string]any) (delivery.Middleware, error) {
	kind, _ := options["type"].(string)
	create, ok := middlewareTypes[kind]
	if !ok {
		return nil, &config.Error{Path: path + ".type", Msg: fmt.Sprintf("unknown middleware type %q", kind)}
	}

	// map keys are sorted when marshalled, so equal settings give equal keys
	key, err := json.Marshal(options)
	if err != nil {
		return nil, &config.Error{Path: path, Msg: fmt.Sprintf("invalid middleware settings: %v", err)}
	}
	if mw, ok := m.cache[string(key)]; ok {
		return mw, nil
	}

	mw, err := create(options)
	if err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return nil, &config.Error{Path: path + strings.TrimPrefix(cfgErr.Path, "middleware"), Msg: cfgErr.Msg}
		}
		return nil, fmt.Errorf("create %s middleware: %w", kind, err)
	}

	m.cache[string(key)] = mw
	m.created = append(m.created, mw)
	return mw, nil
}

func (m *middlewares) closeAll() error {
	var errs []error
	for _, mw := range m.created {
		err := mw.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
