package cmd

import (
	"fmt"
	"time"

	"github.com/tomiyuta/webull-portfolio-rebalancer/account"
	"github.com/tomiyuta/webull-portfolio-rebalancer/config"
	"github.com/tomiyuta/webull-portfolio-rebalancer/engine"
	"github.com/tomiyuta/webull-portfolio-rebalancer/instrument"
	"github.com/tomiyuta/webull-portfolio-rebalancer/invoke"
	"github.com/tomiyuta/webull-portfolio-rebalancer/journal"
	"github.com/tomiyuta/webull-portfolio-rebalancer/market"
	"github.com/tomiyuta/webull-portfolio-rebalancer/planner"
	"github.com/tomiyuta/webull-portfolio-rebalancer/webull"
)

// app is everything a command needs, built once per invocation from the
// loaded config.
type app struct {
	cfg         *config.Config
	client      *webull.Client
	invoker     *invoke.Invoker
	accounts    *account.Reader
	instruments *instrument.Resolver
	prices      *market.Resolver
	journal     journal.Journal
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn("journal close failed")
		}
	}
}

func buildApp(withJournal bool) (*app, error) {
	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	retryDelay, _ := config.Duration(cfg.API.RetryDelay, time.Second)
	callInterval, _ := config.Duration(cfg.API.CallInterval, time.Second)
	orderInterval, _ := config.Duration(cfg.API.OrderInterval, 3*time.Second)
	cacheTTL, _ := config.Duration(cfg.MarketData.CacheTTL, market.DefaultTTL)

	invoker := invoke.New(invoke.Policy{
		MaxRetries:      cfg.API.MaxRetries,
		BaseDelay:       retryDelay,
		DefaultInterval: callInterval,
		MinInterval: map[string]time.Duration{
			"place_order": orderInterval,
		},
	}, log)

	client := webull.NewClient(cfg.API.BaseURL,
		cfg.Credentials.AppKey, cfg.Credentials.AppSecret, cfg.Credentials.AccountID)

	accounts := account.NewReader(client, invoker, log)
	instruments := instrument.NewResolver(client, invoker, log).WithPositions(accounts)
	prices := market.NewResolver(client, instruments, accounts, invoker,
		cfg.MarketData.Prefer, cacheTTL, log)

	a := &app{
		cfg:         cfg,
		client:      client,
		invoker:     invoker,
		accounts:    accounts,
		instruments: instruments,
		prices:      prices,
	}

	if withJournal {
		switch cfg.Journal.Type {
		case "csv":
			a.journal, err = journal.NewCSV(cfg.Journal.TradesFile)
		case "sqlite":
			a.journal, err = journal.NewSQLite(cfg.Journal.DBPath)
		}
		if err != nil {
			return nil, fmt.Errorf("create journal: %w", err)
		}
	}

	return a, nil
}

func (a *app) engine(dryRun bool) *engine.Engine {
	orderTimeout, _ := config.Duration(a.cfg.Rebalance.OrderTimeout, 5*time.Minute)
	pollInterval, _ := config.Duration(a.cfg.Rebalance.PollInterval, 5*time.Second)

	pl := planner.New(planner.Mode(a.cfg.Rebalance.Mode), a.cfg.Rebalance.Threshold, log)

	return engine.New(a.client, a.accounts, a.instruments, a.prices, pl, a.journal,
		a.invoker, engine.Options{
			DryRun:       dryRun,
			Currency:     a.cfg.Rebalance.Currency,
			OrderTimeout: orderTimeout,
			PollInterval: pollInterval,
		}, log)
}
