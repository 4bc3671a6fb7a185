package main

import (
	"fmt"
	"log"
	"os"

	"opsboard/internal/config"
	"opsboard/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
			getenvDefault("DB_HOST", cfg.Database.Host),
			getenvDefault("DB_USER", cfg.Database.User),
			getenvDefault("DB_PASSWORD", cfg.Database.Password),
			getenvDefault("DB_NAME", cfg.Database.Name),
			cfg.Database.Port,
			getenvDefault("DB_SSLMODE", "disable"))
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.Personnel{},
		&models.Task{},
		&models.TaskChecklistItem{},
		&models.TaskStatusHistory{},
		&models.TaskAssignment{},
		&models.DetectionRule{},
		&models.DetectionRun{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// Queue reads order by band then age, scoped to an org.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tasks_org_priority_created ON tasks(org_id, priority, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tasks_org_status ON tasks(org_id, status)")

	// De-duplication lookup on enqueue.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tasks_rule_entity ON tasks(rule_id, entity_id)")

	// Workload aggregation.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tasks_assignee_status ON tasks(assignee_id, status)")

	// Escalation scan.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tasks_due_at ON tasks(due_at)")

	db.Exec("CREATE INDEX IF NOT EXISTS idx_personnel_external ON personnels(external_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_personnel_email ON personnels(email)")

	db.Exec("CREATE INDEX IF NOT EXISTS idx_detection_runs_rule_created ON detection_runs(rule_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_status_history_task ON task_status_histories(task_id, created_at)")

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	var existing models.DetectionRule
	if err := db.Where("id = ?", "large-payment-review").First(&existing).Error; err != nil {
		rule := models.DetectionRule{
			ID:                  "large-payment-review",
			Name:                "Large payment review",
			Enabled:             true,
			EntityTypes:         "payment",
			EventTypes:          "payment.recorded",
			Logic:               "and",
			Conditions:          `[{"field":"amount","op":"gt","value":10000000}]`,
			GreyAreaType:        "payment_review",
			Severity:            models.SeverityHigh,
			TitleTemplate:       "Large payment requires review: {{amount}} {{currency}}",
			DescriptionTemplate: "Payment {{id}} of {{amount}} {{currency}} exceeds the review threshold.",
			SLAHours:            24,
			Priority:            80,
		}
		db.Create(&rule)
		log.Println("Created sample detection rule")
	}

	var admin models.Personnel
	if err := db.Where("id = ?", "admin").First(&admin).Error; err != nil {
		admin = models.Personnel{
			ID:            "admin",
			OrgID:         "default",
			Name:          "Administrator",
			Email:         "admin@opsboard.local",
			Role:          "admin",
			Status:        "active",
			MaxConcurrent: 8,
		}
		db.Create(&admin)
		log.Println("Created default admin personnel record")
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
