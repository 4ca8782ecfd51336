package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcus/replica/internal/config"
	"github.com/marcus/replica/internal/endpoint"
	"github.com/marcus/replica/internal/engine"
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/output"
	"github.com/marcus/replica/internal/store"
	"github.com/marcus/replica/internal/transport"
)

// session is the store and engine opened for one command.
type session struct {
	store  store.Store
	engine *engine.Engine
	remote *transport.HTTP
	dbPath string
}

// openSession opens the local store and builds an engine with every
// configured entity registered.
func openSession(ctx context.Context) (*session, error) {
	path, err := config.DBPath()
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(config.Backend(), path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	identity, err := config.Identity()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("identity: %w", err)
	}
	deviceID, err := config.DeviceID()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("device id: %w", err)
	}
	apiKey := config.APIKey()
	remote := transport.NewHTTP(apiKey, deviceID, config.HTTPTimeout())

	eng, err := engine.New(engine.Options{
		Store:    st,
		Remote:   remote,
		Push:     transport.NewWebSocket(apiKey, deviceID),
		PushURL:  config.PushURL(),
		Identity: identity,
		DeviceID: deviceID,
		Log:      slog.Default(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	s := &session{store: st, engine: eng, remote: remote, dbPath: path}
	for _, spec := range config.Endpoints() {
		if _, err := eng.Endpoint(ctx, spec); err != nil {
			s.Close()
			return nil, fmt.Errorf("register %s: %w", spec.Entity, err)
		}
	}
	return s, nil
}

// Close stops the engine and closes the store.
func (s *session) Close() error {
	return errors.Join(s.engine.Close(), s.store.Close())
}

// ensure returns the endpoint for entity, registering it under the server
// URL when it is not configured.
func (s *session) ensure(ctx context.Context, entity string) (*endpoint.Endpoint, error) {
	if ep, ok := s.engine.Registry().Get(entity); ok {
		return ep, nil
	}
	slog.Debug("registering unconfigured entity", "entity", entity)
	return s.engine.Endpoint(ctx, endpoint.Spec{
		Entity:     entity,
		RemoteRoot: config.ServerURL() + "/" + entity,
	})
}

// parseAssignments turns key=value arguments into attributes. Values that
// parse as JSON keep their JSON type; anything else is a string.
func parseAssignments(args []string) (message.Attrs, error) {
	attrs := message.Attrs{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q (want key=value)", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		attrs[key] = v
	}
	return attrs, nil
}

// errorCode maps an error to a structured output code.
func errorCode(err error) string {
	var rejected *engine.RejectedError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, endpoint.ErrUnknownEndpoint):
		return output.ErrCodeNotFound
	case errors.Is(err, message.ErrMalformed), errors.Is(err, endpoint.ErrInvalidSpec):
		return output.ErrCodeInvalidInput
	case errors.As(err, &rejected):
		return output.ErrCodeRejected
	case transport.IsConnectivity(err):
		return output.ErrCodeOffline
	case errors.Is(err, engine.ErrLocalStorage):
		return output.ErrCodeStorage
	default:
		return "error"
	}
}

// fail prints err in the requested format and returns it for cobra.
func fail(jsonOut bool, err error) error {
	if jsonOut {
		output.JSONError(errorCode(err), err.Error())
	} else {
		output.Error("%v", err)
	}
	return err
}
