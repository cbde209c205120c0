package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/app/repository"
	"github.com/ManuelReschke/PlanFox/internal/pkg/billing"
	"github.com/ManuelReschke/PlanFox/internal/pkg/cache"
	"github.com/ManuelReschke/PlanFox/internal/pkg/database"
	"github.com/ManuelReschke/PlanFox/internal/pkg/env"
)

func main() {
	plansFile := flag.String("plans", "config/plans.yaml", "plan catalog to load (YAML or JSON)")
	adminEmail := flag.String("admin-email", "", "create an admin user with this email and print an API key")
	adminName := flag.String("admin-name", "admin", "name of the admin user")
	flag.Parse()

	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repos := repository.NewRepositories(db)
	ctx := context.Background()

	renderer, err := billing.NewPolicyRenderer()
	if err != nil {
		log.Fatalf("Failed to load policy templates: %v", err)
	}
	policies := billing.NewPolicyStore(repos.Policy, cache.GetClient(), billing.PolicyTextHook(repos.Policy, renderer))
	created, err := policies.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("Failed to bootstrap billing policy: %v", err)
	}
	if created {
		log.Println("Created the default billing policy")
	}

	data, err := os.ReadFile(*plansFile)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *plansFile, err)
	}
	file, err := billing.ParseSeed(data)
	if err != nil {
		log.Fatalf("Failed to parse %s: %v", *plansFile, err)
	}
	report, err := billing.NewCatalog(repos.Plan).Seed(file)
	if err != nil {
		log.Fatalf("Failed to seed plans: %v", err)
	}
	log.Printf("Plans seeded: %d created, %d updated", report.Created, report.Updated)

	if *adminEmail != "" {
		seedAdmin(db, repos.User, *adminName, *adminEmail)
	}
}

// seedAdmin creates the admin user when missing and issues a fresh API key.
// The password comes from ADMIN_PASSWORD so it never shows up in shell history.
func seedAdmin(db *gorm.DB, users repository.UserRepository, name, email string) {
	user, err := users.GetByEmail(email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		password := env.GetEnv("ADMIN_PASSWORD", "")
		if password == "" {
			log.Fatalf("ADMIN_PASSWORD must be set to create %s", email)
		}
		user, err = models.CreateUser(name, email, password)
		if err != nil {
			log.Fatalf("Invalid admin user: %v", err)
		}
		user.Role = models.ROLE_ADMIN
		if err := users.Create(user); err != nil {
			log.Fatalf("Failed to create admin user: %v", err)
		}
		log.Printf("Created admin user %s", email)
	} else if err != nil {
		log.Fatalf("Failed to look up %s: %v", email, err)
	}

	settings, err := models.GetOrCreateUserSettings(db, user.ID)
	if err != nil {
		log.Fatalf("Failed to load user settings: %v", err)
	}
	key, err := settings.IssueAPIKey()
	if err != nil {
		log.Fatalf("Failed to issue API key: %v", err)
	}
	if err := db.Save(settings).Error; err != nil {
		log.Fatalf("Failed to store API key: %v", err)
	}
	log.Printf("API key for %s (shown once): %s", email, key)
}
