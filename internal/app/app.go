// Package app wires configuration, storage and the engine into a runnable service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"stageline/internal/actiontoken"
	"stageline/internal/config"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/notify"
	"stageline/internal/repo"
)

// ImportConfig writes the routing table and user directory from cfg in one
// transaction and returns stage-name disagreements with the display catalog.
func ImportConfig(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) ([]config.CatalogMismatch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	users := cfg.DirectoryUsers()
	for _, u := range users {
		if err := r.UpsertUserTx(ctx, tx, u); err != nil {
			return nil, fmt.Errorf("upsert user %s: %w", u.ID, err)
		}
	}
	entries := cfg.RoutingEntries()
	if err := r.ReplaceRoutingTx(ctx, tx, entries); err != nil {
		return nil, fmt.Errorf("replace routing: %w", err)
	}
	mismatches := cfg.Reconcile()
	if err := (events.Writer{}).Append(ctx, tx, events.ConfigImported, "", "config", "", actorID, events.EventPayload{
		"users":              len(users),
		"routing_entries":    len(entries),
		"catalog_mismatches": len(mismatches),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, m := range mismatches {
		logrus.WithFields(logrus.Fields{"site": m.Site, "stage": m.Stage}).Warn(m.String())
	}
	return mismatches, nil
}

// Services is the engine plus the resources it was built with.
type Services struct {
	Engine engine.Engine
	Tokens actiontoken.Store
	Bus    notify.Bus
	Config *config.Config
	redis  *actiontoken.RedisStore
	stop   context.CancelFunc
}

// Build wires dispatchers and the action token store selected by cfg, and
// starts the bus consumer when the bus is in-process.
func Build(conn *sql.DB, cfg *config.Config, log *logrus.Logger) (*Services, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dispatcher, bus, err := notify.FromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	ctx, stop := context.WithCancel(context.Background())
	if err := bus.Consume(ctx, log); err != nil {
		stop()
		bus.Close()
		return nil, err
	}
	s := &Services{Bus: bus, Config: cfg, stop: stop}
	if cfg.ActionTokens.RedisAddr != "" {
		s.redis = actiontoken.NewRedisStore(cfg.ActionTokens.RedisAddr, cfg.TokenTTL())
		s.Tokens = s.redis
	} else {
		s.Tokens = actiontoken.NewMemoryStore(cfg.ActionTokens.Capacity, cfg.TokenTTL())
	}
	e := engine.New(conn)
	e.Notifier = dispatcher
	e.Tokens = s.Tokens
	e.Log = log
	s.Engine = e
	return s, nil
}

func (s *Services) Close() error {
	var errs []error
	if s.stop != nil {
		s.stop()
	}
	if err := s.Bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
