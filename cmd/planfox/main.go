package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PlanFox/app/controllers"
	"github.com/ManuelReschke/PlanFox/app/repository"
	"github.com/ManuelReschke/PlanFox/internal/pkg/billing"
	"github.com/ManuelReschke/PlanFox/internal/pkg/cache"
	"github.com/ManuelReschke/PlanFox/internal/pkg/database"
	"github.com/ManuelReschke/PlanFox/internal/pkg/env"
	"github.com/ManuelReschke/PlanFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PlanFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PlanFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PlanFox/internal/pkg/ratelimit"
	"github.com/ManuelReschke/PlanFox/internal/pkg/router"
	"github.com/ManuelReschke/PlanFox/internal/pkg/statistics"
)

func main() {
	app, jobs := NewApplication()
	jobs.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down")
		jobs.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	ctx := context.Background()
	factory := repository.NewFactory(database.GetDB())
	repos := factory.GetRepositories()

	renderer, err := billing.NewPolicyRenderer()
	if err != nil {
		log.Fatalf("Failed to load policy templates: %v", err)
	}
	policies := billing.NewPolicyStore(repos.Policy, cache.GetClient(), billing.PolicyTextHook(repos.Policy, renderer))
	if _, err := policies.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap billing policy: %v", err)
	}
	if err := policies.AssertSingleton(ctx); err != nil {
		log.Fatalf("Billing policy check failed: %v", err)
	}

	counters := counter.New(cache.GetClient(), "")
	billingRepo := billing.NewRepository(factory.GetDB())
	service := billing.NewService(billingRepo, policies, gateway.DefaultRegistry(), billing.EnvCredentials(),
		billing.WithGatewayTimeout(billing.GatewayTimeout()),
		billing.WithCounter(counters),
	)
	reconciler := billing.NewReconciler(service)
	catalog := billing.NewCatalog(repos.Plan)
	ledger := billing.NewLedger(billingRepo)
	stats := statistics.NewService(factory.GetDB(), cache.GetClient())

	jobs, err := jobqueue.NewManagerFromEnv(service)
	if err != nil {
		log.Fatalf("Failed to set up the sync scheduler: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:   "PlanFox",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	}), monitor.New(monitor.Config{Title: "PlanFox Metrics"}))

	router.InstallRouter(app, router.Dependencies{
		Users:   repos.User,
		Billing: controllers.NewBillingController(service, ledger, repos.User, reconciler),
		Plans:   controllers.NewPlanController(catalog, policies),
		Admin:   controllers.NewAdminBillingController(policies, catalog, service, reconciler, counters, stats),
		Limiter: ratelimit.New(ratelimit.ConfigFromEnv(ratelimit.NewStorage())),
	})

	return app, jobs
}
