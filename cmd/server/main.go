package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crmkit/automation/internal/approval"
	"github.com/crmkit/automation/internal/capability"
	"github.com/crmkit/automation/internal/db"
	"github.com/crmkit/automation/internal/engine"
	"github.com/crmkit/automation/internal/event"
	"github.com/crmkit/automation/internal/rule"
	"github.com/crmkit/automation/internal/sched"
	"github.com/crmkit/automation/internal/server"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	sugar := logger.Sugar()

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080"
	}
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		sugar.Fatal("DATABASE_URL environment variable is required")
	}
	tickInterval := 60 * time.Second
	if raw := os.Getenv("TICK_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			sugar.Fatalf("Invalid TICK_INTERVAL %q: %v", raw, err)
		}
		tickInterval = parsed
	}

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Connect to PostgreSQL
	dbClient, err := db.NewClient(ctx, databaseURL, sugar)
	if err != nil {
		sugar.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbClient.Close()

	// 2. Create event bus
	eventBus := event.NewBus(sugar)

	// 3. Object schemas known to this deployment
	schemas := rule.NewSchemaRegistry()
	registerSchemas(schemas)

	// 4. Stores and registry
	registry := rule.NewRegistry(db.NewRuleStore(dbClient), schemas, sugar)
	executions := db.NewExecutionStore(dbClient)
	chains := db.NewChainStore(dbClient)
	schedules := db.NewScheduleStore(dbClient)

	// 5. Capabilities. The object store is an in-process stand-in until the
	// record service exposes its API; notifier logs until a delivery channel
	// is chosen.
	notifier := capability.NewLogNotifier(sugar)
	webhooks := capability.NewHTTPWebhookClient(sugar)
	objects := capability.NewMemoryObjectStore()

	// 6. Engine wiring
	approvals := approval.NewManager(chains, eventBus, notifier, sugar)
	router := event.NewRouter(registry, sugar)
	dispatcher := engine.NewDispatcher(notifier, webhooks, objects, approvals, sugar)
	executor := engine.NewExecutor(registry, router, executions, dispatcher, approvals, objects, sugar)
	approvals.SetResumer(executor)
	scheduler := sched.NewScheduler(schedules, eventBus, sugar)
	executor.SetTickCompleter(scheduler)

	eventBus.Subscribe("*", executor)
	executor.Start(ctx)

	// 7. Internal clock: scheduler ticks and escalation sweeps
	go scheduler.Run(ctx, tickInterval)
	go runEscalationSweep(ctx, approvals, tickInterval, sugar)

	// 8. Optional baseline rules from disk
	if dir := os.Getenv("RULES_DIR"); dir != "" {
		seedRules(ctx, dir, registry, scheduler, sugar)
	}

	// 9. HTTP server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: server.New(registry, executor, executions, approvals, scheduler, eventBus, sugar),
	}
	go func() {
		sugar.Infof("Automation engine HTTP server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("Failed to serve: %v", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("HTTP shutdown failed", "error", err)
	}
	executor.Wait()
	sugar.Info("Server stopped")
}

// registerSchemas declares the object types rules may target. Unknown types
// are rejected at rule save time.
func registerSchemas(schemas *rule.SchemaRegistry) {
	schemas.Register(rule.ObjectSchema{ObjectType: "invoice", Fields: map[string]rule.FieldType{
		"status":         rule.FieldEnum,
		"amount":         rule.FieldNumber,
		"due_date":       rule.FieldDate,
		"customer_id":    rule.FieldRef,
		"customer_email": rule.FieldString,
		"created_at":     rule.FieldDate,
	}})
	schemas.Register(rule.ObjectSchema{ObjectType: "customer", Fields: map[string]rule.FieldType{
		"name":          rule.FieldString,
		"email":         rule.FieldString,
		"credit_rating": rule.FieldNumber,
		"segment":       rule.FieldEnum,
		"owner_id":      rule.FieldRef,
	}})
	schemas.Register(rule.ObjectSchema{ObjectType: "deal", Fields: map[string]rule.FieldType{
		"stage":      rule.FieldEnum,
		"amount":     rule.FieldNumber,
		"owner_id":   rule.FieldRef,
		"close_date": rule.FieldDate,
	}})
	schemas.Register(rule.ObjectSchema{ObjectType: "ticket", Fields: map[string]rule.FieldType{
		"status":      rule.FieldEnum,
		"priority":    rule.FieldEnum,
		"assignee_id": rule.FieldRef,
		"created_at":  rule.FieldDate,
	}})
	schemas.Register(rule.ObjectSchema{ObjectType: "task", Fields: map[string]rule.FieldType{
		"title":       rule.FieldString,
		"status":      rule.FieldEnum,
		"assignee_id": rule.FieldRef,
		"due_at":      rule.FieldDate,
	}})
	schemas.Register(rule.ObjectSchema{ObjectType: event.ChainObjectType, Fields: map[string]rule.FieldType{
		"approval_status": rule.FieldEnum,
		"chain_id":        rule.FieldString,
		"rule_id":         rule.FieldString,
		"level":           rule.FieldNumber,
		"approver":        rule.FieldString,
	}})
}

func runEscalationSweep(ctx context.Context, approvals *approval.Manager, interval time.Duration, sugar *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := approvals.CheckEscalations(ctx, now.UTC()); err != nil {
				sugar.Errorw("Escalation sweep failed", "error", err)
			}
		}
	}
}

// seedRules loads baseline rule documents from disk into the seed tenant.
// Already-existing rules (matched by name) are left untouched.
func seedRules(ctx context.Context, dir string, registry *rule.Registry, scheduler *sched.Scheduler, sugar *zap.SugaredLogger) {
	tenantID := os.Getenv("SEED_TENANT_ID")
	if tenantID == "" {
		tenantID = "default"
	}

	docs, err := rule.LoadDir(dir)
	if err != nil {
		sugar.Fatalf("Failed to load rules from %s: %v", dir, err)
	}

	existing, err := registry.List(ctx, tenantID)
	if err != nil {
		sugar.Fatalf("Failed to list rules for seeding: %v", err)
	}
	known := make(map[string]bool, len(existing))
	for _, rl := range existing {
		known[rl.Name] = true
	}

	for _, doc := range docs {
		if known[doc.Name] {
			continue
		}
		rl, err := registry.Create(ctx, doc, tenantID, "seed")
		if err != nil {
			sugar.Fatalf("Failed to seed rule %q: %v", doc.Name, err)
		}
		if err := scheduler.Sync(ctx, rl); err != nil {
			sugar.Fatalf("Failed to schedule seeded rule %q: %v", doc.Name, err)
		}
		sugar.Infow("Seeded rule", "tenant_id", tenantID, "rule_id", rl.ID, "name", rl.Name)
	}
}
